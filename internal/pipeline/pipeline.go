// Package pipeline drives captured audio through the activity gate and
// into the scoring engine.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callscore/platform/internal/chunkqueue"
	"github.com/callscore/platform/internal/engine"
	"github.com/callscore/platform/internal/observe"
	"github.com/callscore/platform/internal/status"
	"github.com/callscore/platform/internal/vad"
)

// Config for the pipeline.
type Config struct {
	// WindowSize is the number of samples per gate window. Dequeued chunks
	// are rebuffered into windows of exactly this size.
	WindowSize int

	// DequeueWait bounds how long one loop iteration blocks waiting for
	// captured audio before re-checking for shutdown.
	DequeueWait time.Duration
}

// DefaultConfig returns the pipeline defaults: 512-sample windows and a
// 100ms dequeue wait.
func DefaultConfig() Config {
	return Config{
		WindowSize:  512,
		DequeueWait: 100 * time.Millisecond,
	}
}

// Pipeline consumes the capture queue, classifies windows with the gate,
// and forwards voiced audio to the attached session. Windows that arrive
// while the gate is silent, or while no session is attached, are counted
// and dropped.
type Pipeline struct {
	cfg     Config
	queue   chunkqueue.Queue
	gate    *vad.Gate
	engine  *engine.Engine
	metrics *observe.Metrics

	mu        sync.RWMutex
	sessionID int
	attached  bool

	// rebuffer carries the partial window between loop iterations.
	rebuffer []float32

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a pipeline over the given queue, gate, and engine.
func New(cfg Config, queue chunkqueue.Queue, gate *vad.Gate, eng *engine.Engine, metrics *observe.Metrics) (*Pipeline, error) {
	if cfg.WindowSize <= 0 {
		return nil, status.Newf(status.InvalidParams, "window size %d must be positive", cfg.WindowSize)
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultConfig().DequeueWait
	}
	return &Pipeline{
		cfg:      cfg,
		queue:    queue,
		gate:     gate,
		engine:   eng,
		metrics:  metrics,
		rebuffer: make([]float32, 0, cfg.WindowSize*2),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Attach routes subsequent voiced audio to the given session. Replaces any
// previously attached session.
func (p *Pipeline) Attach(sessionID int) {
	p.mu.Lock()
	p.sessionID = sessionID
	p.attached = true
	p.mu.Unlock()
	slog.Info("pipeline attached to session", "session_id", sessionID)
}

// Detach stops forwarding; subsequent voiced audio is dropped.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	p.sessionID = 0
	p.attached = false
	p.mu.Unlock()
	slog.Info("pipeline detached")
}

// Attached reports the destination session, if any.
func (p *Pipeline) Attached() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID, p.attached
}

// Run consumes the queue until ctx is cancelled or Stop is called. Blocking;
// callers run it in its own goroutine.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		default:
		}

		if !p.queue.WaitForData(p.cfg.DequeueWait) {
			continue
		}
		chunk, ok := p.queue.TryDequeue()
		if !ok {
			continue
		}
		p.consume(ctx, chunk)
	}
}

// Stop ends the Run loop and waits for it to drain.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Pipeline) consume(ctx context.Context, chunk chunkqueue.Chunk) {
	p.rebuffer = append(p.rebuffer, chunk.Samples...)

	for len(p.rebuffer) >= p.cfg.WindowSize {
		window := p.rebuffer[:p.cfg.WindowSize]
		p.rebuffer = p.rebuffer[p.cfg.WindowSize:]
		p.processWindow(ctx, window)
	}

	// Compact so the retained tail does not pin the grown backing array.
	if len(p.rebuffer) > 0 && cap(p.rebuffer) > 4*p.cfg.WindowSize {
		tail := make([]float32, len(p.rebuffer), p.cfg.WindowSize*2)
		copy(tail, p.rebuffer)
		p.rebuffer = tail
	}
}

func (p *Pipeline) processWindow(ctx context.Context, window []float32) {
	before := p.gate.State()
	res, err := p.gate.Process(window)
	if err != nil {
		slog.Warn("gate rejected window", "error", err)
		return
	}
	if res.State != before {
		p.metrics.GateTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", before.String()),
			attribute.String("to", res.State.String()),
		))
		slog.Debug("gate transition",
			"from", before, "to", res.State,
			"energy", res.Energy, "threshold", res.Threshold)
	}

	if !res.Active {
		p.metrics.ChunksDiscarded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", "silent")))
		return
	}

	sessionID, attached := p.Attached()
	if !attached {
		p.metrics.ChunksDiscarded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", "no_session")))
		return
	}

	if err := p.engine.ProcessAudioChunk(sessionID, window); err != nil {
		if status.IsCode(err, status.InvalidSession) {
			// The session ended underneath us; stop forwarding.
			p.Detach()
			return
		}
		slog.Error("chunk submission failed", "session_id", sessionID, "error", err)
	}
}
