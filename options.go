package ratethrottle

import (
	"time"

	"go.uber.org/zap"

	"github.com/MykeChidi/ratethrottle/internal/access"
	"github.com/MykeChidi/ratethrottle/internal/analyzer"
	"github.com/MykeChidi/ratethrottle/internal/backend"
	"github.com/MykeChidi/ratethrottle/internal/metrics"
)

// engineConfig accumulates EngineOption values before New builds the
// components it wires together.
type engineConfig struct {
	backend      backend.Backend
	logger       *zap.Logger
	failOpen     bool
	syncAnalyzer bool
	ringCapacity int
	recorder     metrics.Recorder
	accessSet    *access.Set
	analyzerOpts []analyzer.Option
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*engineConfig)

// WithBackend supplies the atomic store the Engine's strategies and block
// records use. Defaults to an in-process backend.MemoryBackend when
// omitted.
func WithBackend(b backend.Backend) EngineOption {
	return func(c *engineConfig) { c.backend = b }
}

// WithLogger injects a *zap.Logger. Defaults to zap.NewNop() so the hot
// path never needs a nil check.
func WithLogger(l *zap.Logger) EngineOption {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFailOpen sets the backend-error admission policy: true (the
// default) allows the request through and increments backend_errors;
// false denies it with retry_after=1.
func WithFailOpen(failOpen bool) EngineOption {
	return func(c *engineConfig) { c.failOpen = failOpen }
}

// WithSynchronousAnalyzer forces Check to run the traffic analyzer inline
// instead of on a detached goroutine. Intended for deterministic tests;
// production callers should leave this false so Check latency stays
// bounded by the backend call alone.
func WithSynchronousAnalyzer(sync bool) EngineOption {
	return func(c *engineConfig) { c.syncAnalyzer = sync }
}

// WithViolationRingCapacity sets the bounded recent-violations ring size
// (default 1000).
func WithViolationRingCapacity(n int) EngineOption {
	return func(c *engineConfig) { c.ringCapacity = n }
}

// WithMetricsRecorder injects an external metrics sink (for example
// ratethrottle.NewPrometheusRecorder). Defaults to a no-op recorder.
func WithMetricsRecorder(r metrics.Recorder) EngineOption {
	return func(c *engineConfig) { c.recorder = r }
}

// WithAccessSet supplies a preconstructed allow/deny set, letting callers
// share one Set across multiple Engines. Defaults to a fresh access.Set.
func WithAccessSet(s *access.Set) EngineOption {
	return func(c *engineConfig) { c.accessSet = s }
}

// WithAnalyzerOptions passes options through to the analyzer.New call the
// Engine makes internally.
func WithAnalyzerOptions(opts ...analyzer.Option) EngineOption {
	return func(c *engineConfig) { c.analyzerOpts = append(c.analyzerOpts, opts...) }
}

// WithAutoBlock is shorthand for WithAnalyzerOptions(analyzer.WithAutoBlock(...)).
func WithAutoBlock(enabled bool, blockDuration time.Duration) EngineOption {
	return WithAnalyzerOptions(analyzer.WithAutoBlock(enabled, blockDuration))
}

func newEngineConfig(opts []EngineOption) *engineConfig {
	c := &engineConfig{
		logger:       zap.NewNop(),
		failOpen:     true,
		ringCapacity: 0,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
