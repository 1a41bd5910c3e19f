// Package delay holds the single wait primitive shared by every retry and
// poll loop, so tests can substitute an instant, recording implementation.
package delay

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Func waits for d or until ctx is done, whichever comes first.
type Func func(ctx context.Context, d time.Duration) error

// Jitter returns a random factor in [low, high).
type Jitter func(low, high float64) float64

func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func Uniform(low, high float64) float64 {
	if high <= low {
		return low
	}
	return low + rand.Float64()*(high-low)
}

// Scale multiplies d by factor.
func Scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// Recorder is a Func that returns immediately and remembers every request.
type Recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *Recorder) Wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *Recorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}
