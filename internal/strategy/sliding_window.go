package strategy

import (
	"context"
	"math"
	"time"
)

// slidingWindowSafetyMargin pads the ordered-set TTL past the window so a
// key outlives the requests it needs to count.
const slidingWindowSafetyMargin = 2 * time.Second

// slidingWindow implements the sliding-window log strategy: every request
// timestamp is retained in an ordered set and the count of entries within
// the trailing window determines admission.
func slidingWindow(ctx context.Context, key string, p Params, now time.Time, b Backend) (Result, error) {
	nowSec := toSeconds(now)
	cutoff := nowSec - p.Window.Seconds()

	if err := b.TrimBefore(ctx, key, cutoff); err != nil {
		return Result{}, err
	}
	count, err := b.CountAfter(ctx, key, cutoff)
	if err != nil {
		return Result{}, err
	}

	if count < p.Limit {
		ttl := p.Window + slidingWindowSafetyMargin
		if err := b.AppendTimestamp(ctx, key, nowSec, ttl); err != nil {
			return Result{}, err
		}
		return Result{
			Allowed:   true,
			Remaining: p.Limit - count - 1,
			ResetTime: fromSeconds(nowSec + p.Window.Seconds()),
		}, nil
	}

	oldest, ok, err := b.OldestAfter(ctx, key, cutoff)
	if err != nil {
		return Result{}, err
	}
	var retrySec float64
	if ok {
		retrySec = math.Ceil(oldest + p.Window.Seconds() - nowSec)
	} else {
		retrySec = p.Window.Seconds()
	}
	if retrySec < 1 {
		retrySec = 1
	}

	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: time.Duration(retrySec * float64(time.Second)),
		ResetTime:  fromSeconds(nowSec + p.Window.Seconds()),
	}, nil
}
