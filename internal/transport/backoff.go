package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/workspace/acp-engine/internal/rpc"
)

// Backoff bounds the retries of the initial dial.
type Backoff struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited, use MaxElapsed).
	MaxAttempts int
}

// DefaultBackoff covers a server that is still starting up.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		MaxAttempts:  5,
	}
}

// DialWithBackoff dials until the first connection is up. Rejected or
// expired credentials end it immediately. It only covers the initial dial:
// once a connection drops the channel stays down.
func (c *Channel) DialWithBackoff(ctx context.Context, b Backoff) error {
	return retry(ctx, b, "dial "+c.cfg.URL, c.Dial)
}

func permanent(err error) bool {
	var remote *rpc.RemoteError
	return errors.As(err, &remote) && remote.AuthRequired
}

func retry(ctx context.Context, b Backoff, operation string, fn func(ctx context.Context) error) error {
	def := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.MaxElapsed <= 0 {
		b.MaxElapsed = def.MaxElapsed
	}

	start := time.Now()
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Connected after retry", "operation", operation, "attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond))
			}
			return nil
		}
		if permanent(err) {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", operation, attempt, err)
		}
		if time.Since(start) >= b.MaxElapsed {
			return fmt.Errorf("%s: gave up after %v: %w", operation, time.Since(start).Round(time.Millisecond), err)
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Info("Dial failed, retrying", "operation", operation, "attempt", attempt,
			"delay", sleep.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
}
