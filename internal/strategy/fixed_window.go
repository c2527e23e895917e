package strategy

import (
	"context"
	"math"
	"strconv"
	"time"
)

// fixedWindow implements the fixed-window counter strategy. The window id
// is folded into the backend key so stale windows expire on their own TTL
// instead of being cleaned up explicitly.
func fixedWindow(ctx context.Context, key string, p Params, now time.Time, b Backend) (Result, error) {
	windowSeconds := p.Window.Seconds()
	nowSec := toSeconds(now)
	windowID := math.Floor(nowSec / windowSeconds)
	windowedKey := key + ":" + strconv.FormatInt(int64(windowID), 10)

	count, err := b.Increment(ctx, windowedKey, 1, p.Window)
	if err != nil {
		return Result{}, err
	}

	allowed := count <= p.Limit
	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetSec := (windowID + 1) * windowSeconds

	result := Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetTime: fromSeconds(resetSec),
	}
	if !allowed {
		retrySec := resetSec - nowSec
		if retrySec < 1 {
			retrySec = 1
		}
		result.RetryAfter = time.Duration(retrySec * float64(time.Second))
	}
	return result, nil
}
