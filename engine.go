// Package ratethrottle implements a request-admission core: four
// interchangeable rate-limiting strategies over a pluggable atomic
// backend, an allow/deny access-control layer, a rule registry, violation
// and metrics accounting, and a traffic-pattern analyzer that promotes
// sustained abuse into temporary blocks.
//
// Engine is the entry point. Construct one with New, register rules with
// AddRule, and call Check on every admission decision:
//
//	engine, err := ratethrottle.New(ratethrottle.WithBackend(myBackend))
//	err = engine.AddRule(ratethrottle.Rule{
//		Name: "api", Limit: 100, Window: time.Minute, Strategy: ratethrottle.SlidingWindow,
//		Scope: ratethrottle.ScopeUser,
//	})
//	verdict, err := engine.Check(ctx, "user-42", "api", ratethrottle.Metadata{})
//
// Framework adapters (HTTP middleware, RPC interceptors, config loading,
// dashboards) are deliberately outside this package; it only exposes the
// call-and-verdict contract they build on.
package ratethrottle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MykeChidi/ratethrottle/internal/access"
	"github.com/MykeChidi/ratethrottle/internal/analyzer"
	"github.com/MykeChidi/ratethrottle/internal/backend"
	"github.com/MykeChidi/ratethrottle/internal/metrics"
	"github.com/MykeChidi/ratethrottle/internal/strategy"
)

// Engine orchestrates the access-control gate, block-state gate, strategy
// evaluation, and bookkeeping behind the single Check operation.
type Engine struct {
	rulesMu sync.RWMutex
	rules   map[string]Rule

	backend  backend.Backend
	access   *access.Set
	metrics  *metrics.Metrics
	analyzer *analyzer.Analyzer

	failOpen     bool
	syncAnalyzer bool
	logger       *zap.Logger
}

// New constructs an Engine. With no options it uses an in-process backend,
// a fresh allow/deny set, a no-op metrics recorder, and a fail-open
// backend-error policy.
func New(opts ...EngineOption) (*Engine, error) {
	cfg := newEngineConfig(opts)

	b := cfg.backend
	if b == nil {
		b = backend.NewMemoryBackend(backend.WithMemoryLogger(cfg.logger))
	}

	accessSet := cfg.accessSet
	if accessSet == nil {
		accessSet = access.New()
	}

	m := metrics.New(cfg.ringCapacity, cfg.recorder)

	e := &Engine{
		rules:        make(map[string]Rule),
		backend:      b,
		access:       accessSet,
		metrics:      m,
		failOpen:     cfg.failOpen,
		syncAnalyzer: cfg.syncAnalyzer,
		logger:       cfg.logger,
	}

	analyzerOpts := append([]analyzer.Option{
		analyzer.WithViolationFunc(e.onDDoSViolation),
	}, cfg.analyzerOpts...)
	e.analyzer = analyzer.New(accessSet.AddDeny, accessSet.AddAllow, accessSet.RemoveDeny, e.isDenied, analyzerOpts...)

	return e, nil
}

func (e *Engine) isDenied(identifier string) bool {
	denied, _ := e.access.IsDenied(identifier)
	return denied
}

func (e *Engine) onDDoSViolation(identifier, endpoint string, score float64) {
	e.metrics.RecordViolation(metrics.Violation{
		Identifier: identifier,
		RuleName:   "",
		Timestamp:  time.Now(),
		Scope:      "",
		Kind:       "ddos",
		Metadata:   map[string]string{"endpoint": endpoint, "suspicion_score": strconv.FormatFloat(score, 'f', 3, 64)},
	})
}

// AddRule registers rule. Rules are immutable once registered; to change
// one, RemoveRule and AddRule the replacement. Registering a name that is
// already present returns ErrInvalidRule.
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if _, exists := e.rules[rule.Name]; exists {
		return fmt.Errorf("%w: rule %q is already registered", ErrInvalidRule, rule.Name)
	}
	e.rules[rule.Name] = rule
	return nil
}

// RemoveRule deletes the named rule. Removing an unknown name is a no-op.
func (e *Engine) RemoveRule(name string) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	delete(e.rules, name)
}

// GetRule returns the named rule, or ErrRuleNotFound.
func (e *Engine) GetRule(name string) (Rule, error) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	rule, ok := e.rules[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, name)
	}
	return rule, nil
}

// ListRules returns every registered rule, in no particular order.
func (e *Engine) ListRules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// AddAllow adds identifier to the allow-set.
func (e *Engine) AddAllow(identifier string) { e.access.AddAllow(identifier) }

// RemoveAllow removes identifier from the allow-set.
func (e *Engine) RemoveAllow(identifier string) { e.access.RemoveAllow(identifier) }

// IsAllowed reports whether identifier is in the allow-set.
func (e *Engine) IsAllowed(identifier string) bool { return e.access.IsAllowed(identifier) }

// AddDeny adds identifier to the deny-set. ttl<=0 means the entry never
// expires on its own.
func (e *Engine) AddDeny(identifier string, ttl time.Duration) { e.access.AddDeny(identifier, ttl) }

// RemoveDeny removes identifier from the deny-set.
func (e *Engine) RemoveDeny(identifier string) { e.access.RemoveDeny(identifier) }

// IsDenied reports whether identifier is currently denied and, if so, its
// expiry.
func (e *Engine) IsDenied(identifier string) (bool, time.Time) { return e.access.IsDenied(identifier) }

// RegisterObserver adds fn to the set of callbacks notified once per
// recorded Violation.
func (e *Engine) RegisterObserver(fn metrics.Observer) { e.metrics.RegisterObserver(fn) }

// Metrics returns a point-in-time snapshot of counters and recent
// violations.
func (e *Engine) Metrics() metrics.Snapshot { return e.metrics.Snapshot() }

// ResetMetrics zeros the counters and clears the recent-violations ring.
func (e *Engine) ResetMetrics() { e.metrics.Reset() }

// Analyze forces a traffic-analyzer pass for (identifier, endpoint),
// independent of any Check call. Useful for adapters that observe traffic
// the core itself never sees a Check for.
func (e *Engine) Analyze(identifier, endpoint string) analyzer.Pattern {
	return e.analyzer.Analyze(identifier, endpoint, time.Now())
}

// HealthCheck probes the backend.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.backend.HealthCheck(ctx)
}

// EngineSnapshot is a point-in-time introspection view of the Engine,
// useful for status endpoints and debugging.
type EngineSnapshot struct {
	RuleCount     int
	AllowCount    int
	DenyCount     int
	ObserverCount int
	Metrics       metrics.Snapshot
	AnalyzerStats analyzer.Stats
}

// Snapshot returns a consistent-enough view of the Engine's administrative
// state: rule count, allow/deny set sizes, observer count, metrics, and
// analyzer counters. It does not probe the backend; use HealthCheck for that.
func (e *Engine) Snapshot() EngineSnapshot {
	e.rulesMu.RLock()
	ruleCount := len(e.rules)
	e.rulesMu.RUnlock()

	return EngineSnapshot{
		RuleCount:     ruleCount,
		AllowCount:    e.access.AllowCount(),
		DenyCount:     e.access.DenyCount(),
		ObserverCount: e.metrics.ObserverCount(),
		Metrics:       e.metrics.Snapshot(),
		AnalyzerStats: e.analyzer.Stats(),
	}
}

// Close releases resources held by the backend.
func (e *Engine) Close() error { return e.backend.Close() }

// Check runs the full admission gate for identifier under ruleName: rule
// lookup, condition predicate, allow-set, deny-set, block-record read,
// strategy dispatch, block-record write on first violation, and
// bookkeeping.
func (e *Engine) Check(ctx context.Context, identifier, ruleName string, meta Metadata) (Verdict, error) {
	start := time.Now()

	rule, err := e.GetRule(ruleName)
	if err != nil {
		return Verdict{}, err
	}

	if rule.Condition != nil && !rule.Condition(identifier, meta) {
		return unconditionalAllow(rule, start), nil
	}

	if e.access.IsAllowed(identifier) {
		return unconditionalAllow(rule, start), nil
	}

	if denied, expiry := e.access.IsDenied(identifier); denied {
		verdict := e.denyVerdict(ctx, rule, identifier, expiry, start, meta)
		e.recordCheckMetrics(start, verdict)
		return verdict, nil
	}

	scopeValue, err := resolveScope(rule, identifier, meta)
	if err != nil {
		return Verdict{}, err
	}

	blockKey := blockRecordKey(rule.Name, identifier)
	blockedUntil, hasBlock, err := e.readBlockRecord(ctx, blockKey)
	if err != nil {
		verdict := e.backendErrorVerdict(rule, start)
		e.recordCheckMetrics(start, verdict)
		return verdict, nil
	}
	if hasBlock && blockedUntil.After(start) {
		verdict := Verdict{
			Allowed:    false,
			Blocked:    true,
			RuleName:   rule.Name,
			Limit:      rule.Limit,
			RetryAfter: blockedUntil.Sub(start),
			ResetTime:  blockedUntil,
		}
		e.recordCheckMetrics(start, verdict)
		return verdict, nil
	}

	key := bucketKey(rule.Name, rule.Scope, scopeValue)
	params := strategy.Params{Limit: rule.Limit, Window: rule.Window, Burst: rule.effectiveBurst()}
	result, err := strategy.Evaluate(ctx, rule.Strategy.toInternal(), key, params, start, e.backend)
	if err != nil {
		verdict := e.backendErrorVerdict(rule, start)
		e.recordCheckMetrics(start, verdict)
		return verdict, nil
	}

	verdict := Verdict{
		Allowed:    result.Allowed,
		Remaining:  result.Remaining,
		Limit:      rule.Limit,
		ResetTime:  result.ResetTime,
		RetryAfter: result.RetryAfter,
		RuleName:   rule.Name,
	}

	if !result.Allowed {
		verdict = e.onStrategyDenial(ctx, rule, identifier, meta, result, blockKey, start)
	}

	e.recordCheckMetrics(start, verdict)
	e.triggerAnalyzer(identifier, meta.Endpoint)

	return verdict, nil
}

func unconditionalAllow(rule Rule, now time.Time) Verdict {
	return Verdict{
		Allowed:   true,
		Remaining: rule.Limit,
		Limit:     rule.Limit,
		ResetTime: now.Add(rule.Window),
		RuleName:  rule.Name,
	}
}

// denyVerdict composes the blocked verdict for an active deny-set entry
// and records a violation at most once per contiguous deny interval.
func (e *Engine) denyVerdict(ctx context.Context, rule Rule, identifier string, expiry, now time.Time, meta Metadata) Verdict {
	retryAfter := time.Second
	resetTime := now.Add(retryAfter)
	if !expiry.IsZero() {
		if d := expiry.Sub(now); d > retryAfter {
			retryAfter = d
		}
		resetTime = expiry
	}

	e.recordViolationOnce(ctx, rule, identifier, meta, retryAfter, "", 0, 0)

	return Verdict{
		Allowed:    false,
		Blocked:    true,
		RuleName:   rule.Name,
		Limit:      rule.Limit,
		RetryAfter: retryAfter,
		ResetTime:  resetTime,
	}
}

// onStrategyDenial applies step 7 of the admission gate: on the first
// denial within a block interval it writes the block record and the
// violation-dedup marker and records exactly one Violation.
func (e *Engine) onStrategyDenial(ctx context.Context, rule Rule, identifier string, meta Metadata, result strategy.Result, blockKey string, now time.Time) Verdict {
	verdict := Verdict{
		Allowed:    false,
		Remaining:  result.Remaining,
		Limit:      rule.Limit,
		ResetTime:  result.ResetTime,
		RetryAfter: result.RetryAfter,
		RuleName:   rule.Name,
	}

	if rule.BlockDuration <= 0 {
		return verdict
	}

	blockedUntil := now.Add(rule.BlockDuration)
	wrote := e.recordViolationOnce(ctx, rule, identifier, meta, result.RetryAfter, rule.Scope.String(), result.Remaining, rule.Limit)
	if wrote {
		if setErr := e.backend.Set(ctx, blockKey, encodeUnixNano(blockedUntil), rule.BlockDuration); setErr != nil {
			e.logger.Warn("ratethrottle: failed to persist block record", zap.String("rule", rule.Name), zap.Error(setErr))
		}
	}

	verdict.Blocked = true
	verdict.RetryAfter = rule.BlockDuration
	verdict.ResetTime = blockedUntil
	return verdict
}

// recordViolationOnce writes the violation-dedup marker and records a
// Violation only if the marker was not already present, satisfying "at
// most once per contiguous block interval". It returns whether it wrote
// the marker (i.e. whether this call is the one that owns the block).
func (e *Engine) recordViolationOnce(ctx context.Context, rule Rule, identifier string, meta Metadata, retryAfter time.Duration, scope string, observed, limit int64) bool {
	marker := violationMarkerKey(rule.Name, identifier)
	exists, err := e.backend.Exists(ctx, marker)
	if err != nil {
		e.logger.Warn("ratethrottle: violation marker check failed", zap.String("rule", rule.Name), zap.Error(err))
		return false
	}
	if exists {
		return false
	}

	ttl := rule.BlockDuration
	if ttl <= 0 {
		ttl = retryAfter
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := e.backend.Set(ctx, marker, []byte{1}, ttl); err != nil {
		e.logger.Warn("ratethrottle: failed to persist violation marker", zap.String("rule", rule.Name), zap.Error(err))
		return false
	}

	e.metrics.RecordViolation(metrics.Violation{
		Identifier:    identifier,
		RuleName:      rule.Name,
		Timestamp:     time.Now(),
		ObservedCount: observed,
		Limit:         limit,
		Scope:         scope,
		RetryAfter:    retryAfter,
		Metadata:      meta.clone().toMap(),
	})
	return true
}

func (e *Engine) backendErrorVerdict(rule Rule, now time.Time) Verdict {
	e.metrics.IncBackendErrors()
	e.logger.Error("ratethrottle: backend unavailable", zap.String("rule", rule.Name), zap.Bool("fail_open", e.failOpen))

	if e.failOpen {
		return Verdict{
			Allowed:   true,
			Remaining: rule.Limit,
			Limit:     rule.Limit,
			ResetTime: now.Add(rule.Window),
			RuleName:  rule.Name,
		}
	}
	return Verdict{
		Allowed:    false,
		Blocked:    false,
		RuleName:   rule.Name,
		Limit:      rule.Limit,
		RetryAfter: time.Second,
		ResetTime:  now.Add(time.Second),
	}
}

func (e *Engine) recordCheckMetrics(start time.Time, v Verdict) {
	e.metrics.IncTotal()
	if v.Allowed {
		e.metrics.IncAllowed()
	} else {
		e.metrics.IncBlocked()
	}
	e.metrics.ObserveCheckDuration(time.Since(start))
}

func (e *Engine) triggerAnalyzer(identifier, endpoint string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	if e.syncAnalyzer {
		e.analyzer.Analyze(identifier, endpoint, time.Now())
		return
	}
	go e.analyzer.Analyze(identifier, endpoint, time.Now())
}

func (e *Engine) readBlockRecord(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := e.backend.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, false, nil
	}
	nanos, convErr := strconv.ParseInt(string(raw), 10, 64)
	if convErr != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos), true, nil
}

func encodeUnixNano(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixNano(), 10))
}
