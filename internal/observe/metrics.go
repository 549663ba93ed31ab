// Package observe provides the engine's observability primitives:
// OpenTelemetry metric instruments exported through a Prometheus bridge so
// they can be scraped from the standard /metrics endpoint. Tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all engine metrics.
const meterName = "github.com/callscore/platform"

// Metrics holds the metric instruments. All fields are safe for concurrent
// use; the underlying OTel types handle their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// ScoreDuration tracks similarity-score computation latency in seconds.
	ScoreDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live scoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// FeatureFrames counts feature vectors appended across all sessions.
	FeatureFrames metric.Int64Counter

	// MasterLoads counts master-call loads. Use with
	// attribute.String("result", "cache"|"decoded"|"error").
	MasterLoads metric.Int64Counter

	// GateTransitions counts activity-gate state changes. Use with
	// attribute.String("state", ...).
	GateTransitions metric.Int64Counter

	// ChunksDiscarded counts chunks the pipeline dropped while gated
	// inactive or without a bound session.
	ChunksDiscarded metric.Int64Counter
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{meter: meter}

	var err error
	if m.ScoreDuration, err = meter.Float64Histogram(
		"engine.score.duration",
		metric.WithDescription("Similarity score computation latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter(
		"engine.sessions.active",
		metric.WithDescription("Live scoring sessions"),
	); err != nil {
		return nil, err
	}
	if m.FeatureFrames, err = meter.Int64Counter(
		"engine.features.frames",
		metric.WithDescription("Feature vectors appended to session sequences"),
	); err != nil {
		return nil, err
	}
	if m.MasterLoads, err = meter.Int64Counter(
		"engine.master.loads",
		metric.WithDescription("Master call load operations"),
	); err != nil {
		return nil, err
	}
	if m.GateTransitions, err = meter.Int64Counter(
		"engine.gate.transitions",
		metric.WithDescription("Activity gate state transitions"),
	); err != nil {
		return nil, err
	}
	if m.ChunksDiscarded, err = meter.Int64Counter(
		"engine.pipeline.chunks_discarded",
		metric.WithDescription("Chunks dropped by the analysis pipeline"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// QueueStatsFunc snapshots the chunk queue's cumulative counters.
type QueueStatsFunc func() (total, overruns, underruns uint64)

// RegisterQueueStats exposes the queue counters as asynchronous instruments
// so overruns and underruns are observable without per-call overhead in the
// audio hot path.
func (m *Metrics) RegisterQueueStats(stats QueueStatsFunc) error {
	total, err := m.meter.Int64ObservableCounter(
		"engine.queue.chunks_total",
		metric.WithDescription("Chunks accepted by the realtime queue"),
	)
	if err != nil {
		return err
	}
	overruns, err := m.meter.Int64ObservableCounter(
		"engine.queue.overruns",
		metric.WithDescription("Enqueue attempts rejected with a full queue"),
	)
	if err != nil {
		return err
	}
	underruns, err := m.meter.Int64ObservableCounter(
		"engine.queue.underruns",
		metric.WithDescription("Dequeue attempts on an empty queue"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		t, ov, un := stats()
		o.ObserveInt64(total, int64(t))
		o.ObserveInt64(overruns, int64(ov))
		o.ObserveInt64(underruns, int64(un))
		return nil
	}, total, overruns, underruns)
	return err
}

// RegisterCaptureStats exposes the capture layer's dropped-chunk counter as
// an asynchronous instrument, keeping the device read loop free of metric
// calls.
func (m *Metrics) RegisterCaptureStats(dropped func() uint64) error {
	inst, err := m.meter.Int64ObservableCounter(
		"engine.capture.dropped",
		metric.WithDescription("Capture buffers discarded with a full realtime queue"),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(inst, int64(dropped()))
		return nil
	}, inst)
	return err
}
