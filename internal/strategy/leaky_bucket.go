package strategy

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

type lbState struct {
	level float64
	last  float64
}

func encodeLB(s lbState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], math.Float64bits(s.level))
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(s.last))
	return b
}

func decodeLB(b []byte) (lbState, bool) {
	if len(b) != 16 {
		return lbState{}, false
	}
	return lbState{
		level: math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		last:  math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// leakyBucket implements the leaky bucket strategy: capacity = N, drain
// rate = N/W per second.
func leakyBucket(ctx context.Context, key string, p Params, now time.Time, b Backend) (Result, error) {
	capacity := float64(p.Limit)
	rate := float64(p.Limit) / p.Window.Seconds()
	nowSec := toSeconds(now)
	ttl := p.Window * 2

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, existed, err := b.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		st := lbState{level: 0, last: nowSec}
		if existed {
			if decoded, ok := decodeLB(raw); ok {
				st = decoded
			}
		}

		elapsed := nowSec - st.last
		if elapsed < 0 {
			elapsed = 0
		}
		level := st.level - elapsed*rate
		if level < 0 {
			level = 0
		}

		var result Result
		var newState lbState
		if level+1 <= capacity {
			level += 1
			newState = lbState{level: level, last: nowSec}
			result = Result{
				Allowed:   true,
				Remaining: int64(math.Floor(capacity - level)),
				ResetTime: fromSeconds(nowSec + level/rate),
			}
		} else {
			retrySec := math.Ceil((level + 1 - capacity) * p.Window.Seconds() / float64(p.Limit))
			if retrySec < 1 {
				retrySec = 1
			}
			newState = lbState{level: level, last: nowSec}
			result = Result{
				Allowed:    false,
				Remaining:  0,
				RetryAfter: time.Duration(retrySec * float64(time.Second)),
				ResetTime:  fromSeconds(nowSec + retrySec),
			}
		}

		var expected []byte
		if existed {
			expected = raw
		}
		swapped, err := b.CompareAndSwap(ctx, key, expected, encodeLB(newState), ttl)
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return result, nil
		}
	}

	return Result{}, fmt.Errorf("strategy: leaky bucket CAS contention exceeded for key %q", key)
}
