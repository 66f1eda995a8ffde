package operation

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
)

// Retry re-attempts an operation after a failed attempt.
// The total number of attempts is MaxAttempts+1.
type Retry struct {
	MaxAttempts uint8
	Delay       time.Duration
}

type retryJSON struct {
	MaxAttempts uint8  `json:"max_attempts"`
	DelayMS     uint32 `json:"delay_ms"`
}

// MarshalJSON encodes the delay in milliseconds, saturating at the largest
// delay_ms value.
func (r Retry) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryJSON{MaxAttempts: r.MaxAttempts, DelayMS: delayMS(r.Delay)})
}

func delayMS(d time.Duration) uint32 {
	ms := d / time.Millisecond
	switch {
	case ms <= 0:
		return 0
	case ms > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(ms)
}

// UnmarshalJSON decodes the delay from milliseconds.
func (r *Retry) UnmarshalJSON(data []byte) error {
	var raw retryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.MaxAttempts = raw.MaxAttempts
	r.Delay = time.Duration(raw.DelayMS) * time.Millisecond
	return nil
}

// AttemptFunc runs one attempt. attempt counts from 1.
type AttemptFunc func(ctx context.Context, attempt uint) (Result, *PanicError)

// errAttemptFailed marks an Err result so the retrier schedules another attempt.
var errAttemptFailed = errors.New("attempt failed")

// Do runs fn until it returns Ok, panics, ctx is cancelled or all attempts are
// used. It returns the outcome of the last attempt made. onFailure, if set, is
// called with the number of each failed attempt.
func (r Retry) Do(ctx context.Context, fn AttemptFunc, onFailure func(attempt uint, last Result)) (Result, *PanicError) {
	var (
		last     Result
		panicked *PanicError
		attempt  uint
	)

	_ = retry.Do(
		func() error {
			attempt++
			res, perr := fn(ctx, attempt)
			if perr != nil {
				panicked = perr
				return retry.Unrecoverable(perr)
			}
			last = res
			if !res.OK {
				return errAttemptFailed
			}
			return nil
		},
		retry.Attempts(uint(r.MaxAttempts)+1),
		retry.Delay(r.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, _ error) {
			if onFailure != nil {
				onFailure(n+1, last)
			}
		}),
	)

	return last, panicked
}
