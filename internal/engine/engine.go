// Package engine implements the session orchestrator: it owns the loaded
// master-call feature sequence and the catalog of live scoring sessions,
// bridging raw audio submission to the sequence comparator.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callscore/platform/internal/dtw"
	"github.com/callscore/platform/internal/engine/history"
	"github.com/callscore/platform/internal/feature"
	"github.com/callscore/platform/internal/master"
	"github.com/callscore/platform/internal/observe"
	"github.com/callscore/platform/internal/status"
	"github.com/callscore/platform/internal/syncx"
)

// Config for the orchestrator.
type Config struct {
	// MastersDir holds the reference audio assets (<id>.wav).
	MastersDir string

	// HistorySize bounds the rolling score log.
	HistorySize int

	// HistoryEventBuffer sizes the score broadcast channel.
	HistoryEventBuffer int
}

// masterState is the immutable snapshot held in the master slot. Replaced
// wholesale on load, so scorers observe either the old or the new call.
type masterState struct {
	id       string
	features [][]float32
}

// session is one live scoring context. The catalog lock protects lookup;
// the session's own mutex serializes buffer and feature mutation, so chunk
// submissions to different sessions never block each other.
type session struct {
	mu sync.Mutex

	id         int
	sampleRate float64
	createdAt  time.Time

	// accum holds residual samples awaiting a full analysis frame;
	// bounded to under one frame after every extraction pass.
	accum    []float32
	features [][]float32
}

// Engine orchestrates master-call state and concurrent sessions.
// All exported methods are safe for concurrent use.
type Engine struct {
	cfg       Config
	extractor feature.Extractor
	decoder   feature.Decoder
	cache     *master.Cache
	metrics   *observe.Metrics
	scores    history.Store

	masterSlot *syncx.RWGuard[masterState]

	mu        sync.RWMutex
	sessions  map[int]*session
	nextID    int
}

// New constructs an engine. The caller owns construction and teardown;
// there is no process-wide instance.
func New(cfg Config, extractor feature.Extractor, decoder feature.Decoder, cache *master.Cache, metrics *observe.Metrics) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.HistoryEventBuffer <= 0 {
		cfg.HistoryEventBuffer = 64
	}
	return &Engine{
		cfg:        cfg,
		extractor:  extractor,
		decoder:    decoder,
		cache:      cache,
		metrics:    metrics,
		scores:     history.NewStore(cfg.HistorySize, cfg.HistoryEventBuffer),
		masterSlot: syncx.NewGuard(masterState{}),
		sessions:   make(map[int]*session),
		nextID:     1,
	}
}

// Scores returns the rolling score history store.
func (e *Engine) Scores() history.Store { return e.scores }

// CurrentMasterID returns the id of the loaded master call, empty if none.
func (e *Engine) CurrentMasterID() string {
	return e.masterSlot.Get().id
}

// LoadMasterCall loads the features for id, from the cache when present,
// otherwise by decoding the reference audio and extracting features over
// the full signal with a 50%-overlap hop. The new sequence replaces the
// previous one atomically; concurrent scorers never observe a partial
// master. Decode is blocking file work: call off latency-sensitive paths.
//
// The operation never retries internally; after FileNotFound or
// ProcessingError the caller fixes the asset and calls again.
func (e *Engine) LoadMasterCall(ctx context.Context, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return status.Newf(status.InvalidParams, "invalid master call id %q", id)
	}

	if cached, err := e.cache.Load(id); err == nil {
		// A cache entry written under a different extractor configuration
		// has the wrong vector width; treat it as a miss and re-extract,
		// which overwrites the stale entry below.
		if len(cached) > 0 && len(cached[0]) == e.extractor.Coefficients() {
			e.masterSlot.Set(masterState{id: id, features: cached})
			e.metrics.MasterLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "cache")))
			slog.Info("master call loaded from cache", "id", id, "frames", len(cached))
			return nil
		}
		slog.Warn("cached master features unusable, re-extracting",
			"id", id, "frames", len(cached), "want_coefficients", e.extractor.Coefficients())
	}

	path := filepath.Join(e.cfg.MastersDir, id+".wav")
	samples, sampleRate, channels, err := e.decoder.DecodeMonoFloat(path)
	if err != nil {
		e.metrics.MasterLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return err
	}
	slog.Info("decoded master call audio",
		"id", id, "sample_rate", sampleRate, "channels", channels, "samples", len(samples))

	features, err := e.extractor.Extract(samples, e.extractor.FrameSize()/2)
	if err != nil {
		e.metrics.MasterLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return status.Wrapf(err, status.ProcessingError, "extract features for %s", id)
	}
	if len(features) == 0 {
		e.metrics.MasterLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return status.Newf(status.ProcessingError, "master call %s too short for one analysis frame", id)
	}

	// Cache write failure is not fatal: the call is loaded either way and
	// the next load simply re-extracts.
	if err := e.cache.Save(id, features); err != nil {
		slog.Warn("feature cache write failed", "id", id, "error", err)
	}

	e.masterSlot.Set(masterState{id: id, features: features})
	e.metrics.MasterLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "decoded")))
	slog.Info("master call loaded", "id", id, "frames", len(features))
	return nil
}

// StartSession allocates a new session. bufferSizeHint sizes the initial
// accumulation buffer; it is a hint, not a cap.
func (e *Engine) StartSession(sampleRate float64, bufferSizeHint int) (int, error) {
	if sampleRate <= 0 {
		return 0, status.Newf(status.InvalidParams, "sample rate %v must be positive", sampleRate)
	}
	if bufferSizeHint <= 0 {
		return 0, status.Newf(status.InvalidParams, "buffer size %d must be positive", bufferSizeHint)
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.sessions[id] = &session{
		id:         id,
		sampleRate: sampleRate,
		createdAt:  time.Now(),
		accum:      make([]float32, 0, bufferSizeHint),
	}
	e.mu.Unlock()

	e.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("session started", "session_id", id, "sample_rate", sampleRate)
	return id, nil
}

// ProcessAudioChunk appends samples to the session's accumulation buffer
// and, once at least one full frame is buffered, extracts features with a
// 2:1 frame/hop ratio, appending the vectors to the session sequence. Only
// the unconsumed tail (under one frame) is retained, bounding memory.
func (e *Engine) ProcessAudioChunk(sessionID int, samples []float32) error {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return status.Newf(status.InvalidSession, "unknown session %d", sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.accum = append(sess.accum, samples...)

	frameSize := e.extractor.FrameSize()
	if len(sess.accum) < frameSize {
		return nil
	}

	hop := frameSize / 2
	vectors, err := e.extractor.Extract(sess.accum, hop)
	if err != nil {
		return status.Wrapf(err, status.ProcessingError, "extract session %d features", sessionID)
	}

	sess.features = append(sess.features, vectors...)
	e.metrics.FeatureFrames.Add(context.Background(), int64(len(vectors)))

	// Keep only what the next frame still needs.
	consumed := len(vectors) * hop
	tail := len(sess.accum) - consumed
	copy(sess.accum, sess.accum[consumed:])
	sess.accum = sess.accum[:tail]

	return nil
}

// SimilarityScore compares the session's features to the loaded master.
// Returns InsufficientData when no master is loaded; a session that has
// produced no features yet scores 0 with no error, because silence is a
// valid state, not a fault. Read-only: safe concurrently with chunk
// submission on other sessions and with other score requests.
func (e *Engine) SimilarityScore(sessionID int) (float32, error) {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return 0, status.Newf(status.InvalidSession, "unknown session %d", sessionID)
	}

	ms := e.masterSlot.Get()
	if len(ms.features) == 0 {
		return 0, status.New(status.InsufficientData, "no master call loaded")
	}

	sess.mu.Lock()
	sessionFeatures := sess.features
	sess.mu.Unlock()

	if len(sessionFeatures) == 0 {
		return 0, nil
	}

	start := time.Now()
	distance := dtw.Distance(ms.features, sessionFeatures)
	score := 1 / (1 + distance)
	e.metrics.ScoreDuration.Record(context.Background(), time.Since(start).Seconds())

	e.scores.Add(sessionID, ms.id, score)
	slog.Debug("similarity computed",
		"session_id", sessionID, "distance", distance, "score", score)
	return score, nil
}

// RecentScores returns the session's scores recorded within the last
// window, oldest first.
func (e *Engine) RecentScores(sessionID int, window time.Duration) ([]history.Entry, error) {
	e.mu.RLock()
	_, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, status.Newf(status.InvalidSession, "unknown session %d", sessionID)
	}
	return e.scores.Recent(sessionID, window), nil
}

// EndSession removes the session; subsequent operations on the id fail
// with InvalidSession. Immediate and non-blocking: in-flight chunk
// submissions for the id must be externally synchronized by the caller.
func (e *Engine) EndSession(sessionID int) error {
	e.mu.Lock()
	_, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()

	if !ok {
		return status.Newf(status.InvalidSession, "unknown session %d", sessionID)
	}

	e.scores.Drop(sessionID)
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session ended", "session_id", sessionID)
	return nil
}

// SessionIDs returns the ids of all live sessions, unordered.
func (e *Engine) SessionIDs() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]int, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionFeatureCount reports how many feature vectors a session has
// accumulated.
func (e *Engine) SessionFeatureCount(sessionID int) (int, error) {
	e.mu.RLock()
	sess, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return 0, status.Newf(status.InvalidSession, "unknown session %d", sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.features), nil
}
