package ratethrottle

import "github.com/MykeChidi/ratethrottle/internal/metrics"

// Recorder is the hook an external metrics system implements to receive
// counter and latency updates from an Engine's Check calls. Pass one via
// WithMetricsRecorder.
type Recorder = metrics.Recorder

// PrometheusRecorder is a Recorder backed by client_golang counters and a
// histogram, re-exported here so adapters outside this module can construct
// one without importing an internal package.
type PrometheusRecorder = metrics.PrometheusRecorder

// NewPrometheusRecorder registers a PrometheusRecorder's collectors against
// reg (pass prometheus.DefaultRegisterer for the global registry) and
// returns it for use with WithMetricsRecorder.
var NewPrometheusRecorder = metrics.NewPrometheusRecorder
