package relay

import (
	"encoding/json"
	"fmt"
)

// FrameKind identifies the decoded variant of an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameVerified
	FrameError
	FrameCreate
	FrameDelete
)

// String returns the wire tag for known kinds and "unknown" otherwise.
func (k FrameKind) String() string {
	switch k {
	case FrameVerified:
		return "verified"
	case FrameError:
		return "error"
	case FrameCreate:
		return "create"
	case FrameDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound protocol message. Which fields are populated
// depends on Kind: Msg for FrameError, ID/Target/Content for FrameCreate,
// ID for FrameDelete. RawType preserves the wire tag for FrameUnknown so
// unexpected traffic stays visible in logs and metrics.
type Frame struct {
	Kind    FrameKind
	RawType string
	Msg     string
	ID      string
	Target  string
	Content string
}

// wireFrame mirrors the JSON layout of every inbound message; the type tag
// decides which fields are meaningful.
type wireFrame struct {
	Type    string `json:"type"`
	Msg     string `json:"msg"`
	ID      string `json:"id"`
	Target  string `json:"target"`
	Content string `json:"content"`
}

// authFrame is the single outbound message, sent immediately after the
// transport connects.
type authFrame struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// DecodeFrame parses one JSON message into a Frame. Unknown type tags decode
// to FrameUnknown rather than failing; malformed JSON is a transport-level
// error and terminates the session.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	f := Frame{RawType: w.Type}
	switch w.Type {
	case "verified":
		f.Kind = FrameVerified
	case "error":
		f.Kind = FrameError
		f.Msg = w.Msg
	case "create":
		f.Kind = FrameCreate
		f.ID = w.ID
		f.Target = w.Target
		f.Content = w.Content
	case "delete":
		f.Kind = FrameDelete
		f.ID = w.ID
	default:
		f.Kind = FrameUnknown
	}
	return f, nil
}
