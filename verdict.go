package ratethrottle

import "time"

// Verdict is the immutable result a Check call returns synchronously.
type Verdict struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetTime  time.Time
	RetryAfter time.Duration
	RuleName   string
	Blocked    bool
}
