package dispatch

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Minute
	DefaultBatchSize   = 10
)

// Policy bounds a batch and its retries.
type Policy struct {
	MaxAttempts int
	RetryDelay  time.Duration
	BatchSize   int
}

// DefaultPolicy returns 3 attempts, a 5 minute delay and batches of 10.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		BatchSize:   DefaultBatchSize,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = DefaultRetryDelay
	}
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	return p
}

// Delay is the backoff added after the given attempt count. The delay is
// fixed; attempts alone bounds the retries.
func (p Policy) Delay(attempts int) time.Duration {
	return p.withDefaults().RetryDelay
}

// Exhausted reports whether attempts has reached the cap.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.withDefaults().MaxAttempts
}
