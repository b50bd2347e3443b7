package influx

import (
	"context"
	"math/rand"
	"time"
)

type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NextDelay returns the wait before retry number attempt (0 based), capped
// at MaxDelay with +/- Jitter applied.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.InitialDelay
	}

	delay := float64(b.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if delay > float64(b.MaxDelay) {
			delay = float64(b.MaxDelay)
			break
		}
	}

	jitter := delay * b.Jitter * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	return time.Duration(delay)
}

// Sleep waits for the given attempt's delay or until ctx is done.
func (b *ExponentialBackoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.NextDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
