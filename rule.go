package ratethrottle

import (
	"fmt"
	"time"

	"github.com/MykeChidi/ratethrottle/internal/strategy"
)

// Strategy identifies one of the four interchangeable admission-decision
// algorithms a Rule can use.
type Strategy int

const (
	TokenBucket Strategy = iota
	LeakyBucket
	FixedWindow
	SlidingWindow
)

func (s Strategy) String() string {
	switch s {
	case TokenBucket:
		return "token_bucket"
	case LeakyBucket:
		return "leaky_bucket"
	case FixedWindow:
		return "fixed_window"
	case SlidingWindow:
		return "sliding_window"
	default:
		return "unknown"
	}
}

func (s Strategy) valid() bool {
	return s >= TokenBucket && s <= SlidingWindow
}

func (s Strategy) toInternal() strategy.Kind {
	return strategy.Kind(s)
}

// Scope identifies the dimension a Rule aggregates counts along.
type Scope int

const (
	ScopeIP Scope = iota
	ScopeUser
	ScopeEndpoint
	ScopeGlobal
	ScopeCustom
)

func (s Scope) String() string {
	switch s {
	case ScopeIP:
		return "ip"
	case ScopeUser:
		return "user"
	case ScopeEndpoint:
		return "endpoint"
	case ScopeGlobal:
		return "global"
	case ScopeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

func (s Scope) valid() bool {
	return s >= ScopeIP && s <= ScopeCustom
}

// Condition is an optional predicate evaluated before any accounting. A
// false return makes Check an unconditional allow with no side effects —
// useful for exempting health checks or internal traffic from a rule
// without a separate allow-set entry.
type Condition func(identifier string, meta Metadata) bool

// Rule is a named admission policy. Rules are immutable once registered;
// to change one, remove it and add the replacement.
type Rule struct {
	Name          string
	Limit         int64
	Window        time.Duration
	Strategy      Strategy
	Scope         Scope
	Burst         int64
	BlockDuration time.Duration
	Condition     Condition
}

// validate checks the invariants the data model places on a Rule:
// positive limit and window, a recognized strategy and scope, and
// (for token bucket only) a burst no smaller than the limit.
func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty rule name", ErrInvalidRule)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: rule %q has non-positive limit %d", ErrInvalidRule, r.Name, r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: rule %q has non-positive window %s", ErrInvalidRule, r.Name, r.Window)
	}
	if !r.Strategy.valid() {
		return fmt.Errorf("%w: rule %q has unrecognized strategy %d", ErrInvalidRule, r.Name, r.Strategy)
	}
	if !r.Scope.valid() {
		return fmt.Errorf("%w: rule %q has unrecognized scope %d", ErrInvalidRule, r.Name, r.Scope)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%w: rule %q has negative block duration", ErrInvalidRule, r.Name)
	}
	if r.Strategy == TokenBucket && r.Burst != 0 && r.Burst < r.Limit {
		return fmt.Errorf("%w: rule %q has burst %d below limit %d", ErrInvalidRule, r.Name, r.Burst, r.Limit)
	}
	return nil
}

// effectiveBurst returns the rule's burst, defaulting to Limit when unset.
func (r Rule) effectiveBurst() int64 {
	if r.Burst <= 0 {
		return r.Limit
	}
	return r.Burst
}

// resolveScope maps (rule.Scope, identifier, metadata) to the scope-value
// component of a bucket key.
func resolveScope(r Rule, identifier string, meta Metadata) (string, error) {
	switch r.Scope {
	case ScopeIP, ScopeUser, ScopeCustom:
		return identifier, nil
	case ScopeEndpoint:
		if meta.Endpoint == "" {
			return "", fmt.Errorf("%w: rule %q scoped to endpoint", ErrMissingScopeData, r.Name)
		}
		return meta.Endpoint, nil
	case ScopeGlobal:
		return "*", nil
	default:
		return "", fmt.Errorf("%w: rule %q has unrecognized scope %d", ErrInvalidRule, r.Name, r.Scope)
	}
}

// bucketKey is the backend key a strategy's state lives under.
func bucketKey(ruleName string, scope Scope, scopeValue string) string {
	return fmt.Sprintf("rt:%s:%s:%s", ruleName, scope, scopeValue)
}

// blockRecordKey is the backend key holding the blocked_until timestamp
// for (ruleName, identifier).
func blockRecordKey(ruleName, identifier string) string {
	return fmt.Sprintf("rt:block:%s:%s", ruleName, identifier)
}

// violationMarkerKey is the backend key whose mere presence (TTL-bounded)
// dedups violation recording within one contiguous block interval.
func violationMarkerKey(ruleName, identifier string) string {
	return fmt.Sprintf("rt:violated:%s:%s", ruleName, identifier)
}
