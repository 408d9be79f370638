package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/onnwee/messagerelay/telemetry"
)

// RestartPolicy controls the reconnect backoff used by StartRelayJob.
type RestartPolicy struct {
	BaseDelay    time.Duration // first retry delay
	MaxDelay     time.Duration // backoff cap
	HealthyAfter time.Duration // a connection older than this resets the backoff
}

// DefaultRestartPolicy returns the policy used by main, with env overrides:
//
//	RELAY_RECONNECT_BASE (default 2s)
//	RELAY_RECONNECT_MAX (default 1m)
func DefaultRestartPolicy() RestartPolicy {
	p := RestartPolicy{BaseDelay: 2 * time.Second, MaxDelay: time.Minute, HealthyAfter: 30 * time.Second}
	if v := os.Getenv("RELAY_RECONNECT_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.BaseDelay = d
		}
	}
	if v := os.Getenv("RELAY_RECONNECT_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			p.MaxDelay = d
		}
	}
	return p
}

// delay returns the backoff for the given attempt: exponential from BaseDelay,
// capped at MaxDelay, plus up to 25% jitter.
func (p RestartPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// StartRelayJob supervises the session: it reconnects after transport errors
// with bounded exponential backoff and stops permanently when the session is
// not configured or ctx is canceled.
func StartRelayJob(ctx context.Context, s *Session, policy RestartPolicy) {
	if policy.BaseDelay <= 0 || policy.MaxDelay <= 0 {
		policy = DefaultRestartPolicy()
	}
	slog.Info("relay job starting", slog.String("component", "relay"))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := s.Run(ctx)
		if errors.Is(err, ErrNotConfigured) {
			slog.Error("relay not configured; set RELAY_API_KEY and RELAY_API_URI", slog.String("component", "relay"))
			return
		}
		if ctx.Err() != nil {
			slog.Info("relay job stopped", slog.String("component", "relay"))
			return
		}
		if policy.HealthyAfter > 0 && time.Since(started) >= policy.HealthyAfter {
			attempt = 0
		}
		backoff := policy.delay(attempt)
		attempt++
		telemetry.IncReconnect()
		slog.Warn("relay session ended; reconnecting",
			slog.Any("err", err),
			slog.Duration("backoff", backoff),
			slog.Int("attempt", attempt),
			slog.String("component", "relay"))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
