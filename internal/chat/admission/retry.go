package admission

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is a fixed-delay bounded retry applied by callers to overloaded requests.
type RetryPolicy struct {
	// Delay is the wait between attempts.
	Delay time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultRetryPolicy waits one second and retries up to three times.
var DefaultRetryPolicy = RetryPolicy{Delay: time.Second, MaxRetries: 3}

// Retry calls fn until it returns anything other than ErrOverloaded, or until
// the policy is exhausted, in which case the last ErrOverloaded is returned.
//
// Postcondition: fn is called at most p.MaxRetries+1 times. Returns ctx.Err()
// if ctx is done while waiting between attempts.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if !errors.Is(err, ErrOverloaded) || attempt >= p.MaxRetries {
			return err
		}
		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
