package queue

import "time"

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = time.Hour
)

// Backoff is an exponential retry delay: Base * 2^(retries-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the 30s doubling policy capped at one hour.
func DefaultBackoff() Backoff {
	return Backoff{Base: defaultBackoffBase, Max: defaultBackoffMax}
}

// Delay returns how long an operation that already failed retryCount times must wait.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = defaultBackoffMax
	}
	delay := base
	for attempt := 1; attempt < retryCount; attempt++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Threshold returns the latest last-attempt time that makes an operation due at now.
func (b Backoff) Threshold(now time.Time, retryCount int) time.Time {
	return now.Add(-b.Delay(retryCount))
}
