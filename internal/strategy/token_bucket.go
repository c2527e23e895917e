package strategy

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// maxCASRetries bounds the optimistic-concurrency retry loop token bucket
// and leaky bucket use to update their (value, last-touched) pair
// atomically under contention.
const maxCASRetries = 8

type tbState struct {
	tokens float64
	last   float64
}

func encodeTB(s tbState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(s.tokens))
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(s.last))
	return b
}

func decodeTB(b []byte) (tbState, bool) {
	if len(b) != 16 {
		return tbState{}, false
	}
	return tbState{
		tokens: math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		last:   math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

func burstOf(p Params) float64 {
	if p.Burst <= 0 {
		return float64(p.Limit)
	}
	return float64(p.Burst)
}

// tokenBucket implements the token bucket strategy. State (tokens,
// last_refill) lives behind a compare-and-swap loop so concurrent callers
// for the same key never lose an update.
func tokenBucket(ctx context.Context, key string, p Params, now time.Time, b Backend) (Result, error) {
	burst := burstOf(p)
	nowSec := toSeconds(now)
	rate := float64(p.Limit) / p.Window.Seconds()
	ttl := p.Window * 2

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, existed, err := b.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		st := tbState{tokens: burst, last: nowSec}
		if existed {
			if decoded, ok := decodeTB(raw); ok {
				st = decoded
			}
		}

		elapsed := nowSec - st.last
		if elapsed < 0 {
			elapsed = 0
		}
		tokens := st.tokens + elapsed*rate
		if tokens > burst {
			tokens = burst
		}

		var result Result
		var newState tbState
		if tokens >= 1 {
			tokens -= 1
			newState = tbState{tokens: tokens, last: nowSec}
			resetSec := nowSec + (burst-tokens)*p.Window.Seconds()/float64(p.Limit)
			result = Result{
				Allowed:   true,
				Remaining: int64(math.Floor(tokens)),
				ResetTime: fromSeconds(resetSec),
			}
		} else {
			retrySec := math.Ceil((1 - tokens) * p.Window.Seconds() / float64(p.Limit))
			if retrySec < 1 {
				retrySec = 1
			}
			newState = tbState{tokens: tokens, last: nowSec}
			resetSec := nowSec + (burst-tokens)*p.Window.Seconds()/float64(p.Limit)
			result = Result{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: time.Duration(retrySec * float64(time.Second)),
				ResetTime:  fromSeconds(resetSec),
			}
		}

		var expected []byte
		if existed {
			expected = raw
		}
		swapped, err := b.CompareAndSwap(ctx, key, expected, encodeTB(newState), ttl)
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return result, nil
		}
	}

	return Result{}, fmt.Errorf("strategy: token bucket CAS contention exceeded for key %q", key)
}
