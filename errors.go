package ratethrottle

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors Check and the administration methods can return. Use
// errors.Is to test for a specific kind.
var (
	ErrRuleNotFound       = errors.New("ratethrottle: rule not found")
	ErrInvalidRule        = errors.New("ratethrottle: invalid rule")
	ErrMissingScopeData   = errors.New("ratethrottle: missing scope data")
	ErrBackendUnavailable = errors.New("ratethrottle: backend unavailable")
	ErrInvalidRate        = errors.New("ratethrottle: invalid rate expression")
)

// RateLimitExceeded is an error form of a denied Verdict for adapters that
// prefer raising over branching on Verdict.Allowed. The core itself never
// raises it; Check always returns a Verdict on ordinary denial.
type RateLimitExceeded struct {
	RuleName   string
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("ratethrottle: rate limit exceeded for rule %q, retry after %s", e.RuleName, e.RetryAfter)
}

// AsRateLimitExceeded converts a denied Verdict into a *RateLimitExceeded.
// Calling it on an allowed Verdict returns nil.
func AsRateLimitExceeded(v Verdict) *RateLimitExceeded {
	if v.Allowed {
		return nil
	}
	return &RateLimitExceeded{
		RuleName:   v.RuleName,
		Limit:      v.Limit,
		Remaining:  v.Remaining,
		ResetTime:  v.ResetTime,
		RetryAfter: v.RetryAfter,
	}
}
