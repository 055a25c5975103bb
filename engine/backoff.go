// ABOUTME: Exponential backoff with bounded jitter for per-item retries.
// ABOUTME: The k-th retry delay is base*2^k scaled by a factor in [0.75, 1.25], capped at MaxBackoff.
package engine

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/2389-research/npipeline/graph"
)

// backoffDelay computes the delay before retry attempt k (0-indexed).
func backoffDelay(opts graph.RetryOptions, attempt int) time.Duration {
	base := float64(opts.BaseDelay) * math.Pow(2, float64(attempt))
	jitter := 0.75 + rand.Float64()*0.5
	d := time.Duration(base * jitter)
	if opts.MaxBackoff > 0 && d > opts.MaxBackoff {
		d = opts.MaxBackoff
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sleepWithContext sleeps for d, returning early if the context is canceled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
