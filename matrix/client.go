// Package matrix wraps the mautrix client: it implements the relay's sender
// contract (markdown send + redaction) and runs the bot listener for the
// admin bind command and room tombstone migration.
package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Client is a thin adapter over *mautrix.Client.
type Client struct {
	mx *mautrix.Client
}

// NewClient builds an authenticated Matrix client.
func NewClient(homeserverURL, userID, accessToken string) (*Client, error) {
	mx, err := mautrix.NewClient(homeserverURL, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	return &Client{mx: mx}, nil
}

// SendMarkdown renders content as markdown (HTML allowed) and sends it to the
// room, returning the resulting event id.
func (c *Client) SendMarkdown(ctx context.Context, roomID, content string) (string, error) {
	rendered := format.RenderMarkdown(content, true, true)
	resp, err := c.mx.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &rendered)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", roomID, err)
	}
	return resp.EventID.String(), nil
}

// Redact removes the visible content of a previously sent event.
func (c *Client) Redact(ctx context.Context, roomID, eventID, reason string) error {
	_, err := c.mx.RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID), mautrix.ReqRedact{Reason: reason})
	if err != nil {
		return fmt.Errorf("redact %s in %s: %w", eventID, roomID, err)
	}
	return nil
}
