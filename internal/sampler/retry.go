package sampler

import (
	"context"
	"time"
)

// RetryPolicy doubles the delay after each failed attempt up to MaxBackoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := p.Backoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}
}
