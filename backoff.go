package fleetsync

import "time"

// BackoffStrategy defines how retry delays grow between attempts.
type BackoffStrategy interface {
	// NextDelay returns the delay before the given attempt (0-based).
	NextDelay(attempt int) time.Duration

	// Reset resets the strategy after a successful attempt.
	Reset()
}

// ExponentialBackoff implements capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
		if time.Duration(delay) > eb.MaxDelay {
			return eb.MaxDelay
		}
	}

	result := time.Duration(delay)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}

func (eb *ExponentialBackoff) Reset() {
	// Stateless; nothing to reset.
}

// DefaultBackoff is the retry schedule used when none is configured.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}
