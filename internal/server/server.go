// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/callscore/platform/internal/config"
	"github.com/callscore/platform/internal/engine"
	"github.com/callscore/platform/internal/pipeline"
	"github.com/callscore/platform/internal/status"
	"github.com/callscore/platform/internal/trace"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

type ScoreRequestMessage struct {
	Type      string `json:"type"`
	SessionID int    `json:"session_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

type ScoreMessage struct {
	Type      string  `json:"type"`
	SessionID int     `json:"session_id"`
	MasterID  string  `json:"master_id"`
	Score     float32 `json:"score"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	engine     *engine.Engine
	pipe       *pipeline.Pipeline
	cfg        *config.Config
	metricsH   http.Handler
	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a new server. pipe may be nil when no live capture pipeline
// is running; metricsHandler may be nil to disable the /metrics endpoint.
func New(eng *engine.Engine, pipe *pipeline.Pipeline, cfg *config.Config, metricsHandler http.Handler) *Server {
	s := &Server{
		engine:     eng,
		pipe:       pipe,
		cfg:        cfg,
		metricsH:   metricsHandler,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
		stopCh:     make(chan struct{}),
	}

	go s.broadcastScores()

	return s
}

// Close stops the score broadcaster.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/sessions", s.handleSessionStart)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionEnd)
	mux.HandleFunc("GET /api/sessions/{id}/score", s.handleScore)
	mux.HandleFunc("GET /api/sessions/{id}/scores", s.handleScoreHistory)
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("POST /api/masters/{id}", s.handleMasterLoad)
	mux.HandleFunc("GET /api/masters/current", s.handleMasterCurrent)

	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// httpStatus maps an error's status code onto an HTTP response code.
func httpStatus(err error) int {
	switch status.CodeOf(err) {
	case status.OK:
		return http.StatusOK
	case status.InvalidParams, status.InvalidSize:
		return http.StatusBadRequest
	case status.InvalidSession, status.FileNotFound:
		return http.StatusNotFound
	case status.InvalidRecording:
		return http.StatusUnprocessableEntity
	case status.InsufficientData:
		return http.StatusConflict
	case status.BufferFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  status.CodeOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type sessionStartRequest struct {
	SampleRate float64 `json:"sample_rate"`
	BufferSize int     `json:"buffer_size"`
	Live       bool    `json:"live"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	req := sessionStartRequest{
		SampleRate: float64(s.cfg.SampleRate),
		BufferSize: s.cfg.SessionBufferSize,
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, status.Wrap(err, status.InvalidParams, "decode session request"))
			return
		}
	}

	id, err := s.engine.StartSession(req.SampleRate, req.BufferSize)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Live {
		if s.pipe == nil {
			_ = s.engine.EndSession(id)
			writeError(w, status.New(status.InvalidParams, "no capture pipeline available"))
			return
		}
		s.pipe.Attach(id)
	}

	trace.Logger(r.Context()).Info("session started", "session_id", id, "live", req.Live)
	writeJSON(w, map[string]any{"session_id": id})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, status.Newf(status.InvalidParams, "session id %q is not a number", r.PathValue("id")))
		return
	}

	if s.pipe != nil {
		if attached, ok := s.pipe.Attached(); ok && attached == id {
			s.pipe.Detach()
		}
	}
	if err := s.engine.EndSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "session_ended"})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, status.Newf(status.InvalidParams, "session id %q is not a number", r.PathValue("id")))
		return
	}

	score, err := s.engine.SimilarityScore(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"session_id": id,
		"master_id":  s.engine.CurrentMasterID(),
		"score":      score,
	})
}

// handleScoreHistory returns the session's scores from the last window
// (`?window=30s`, default one minute), oldest first.
func (s *Server) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, status.Newf(status.InvalidParams, "session id %q is not a number", r.PathValue("id")))
		return
	}

	window := time.Minute
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err = time.ParseDuration(raw)
		if err != nil || window <= 0 {
			writeError(w, status.Newf(status.InvalidParams, "window %q is not a positive duration", raw))
			return
		}
	}

	entries, err := s.engine.RecentScores(id, window)
	if err != nil {
		writeError(w, err)
		return
	}

	scores := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		scores = append(scores, map[string]any{
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"master_id": e.MasterID,
			"score":     e.Score,
		})
	}
	writeJSON(w, map[string]any{"session_id": id, "scores": scores})
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.SessionIDs()
	if ids == nil {
		ids = []int{}
	}
	writeJSON(w, map[string]any{"sessions": ids})
}

func (s *Server) handleMasterLoad(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.LoadMasterCall(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	trace.Logger(r.Context()).Info("master call loaded", "id", id)
	writeJSON(w, map[string]string{"status": "master_loaded", "master_id": id})
}

func (s *Server) handleMasterCurrent(w http.ResponseWriter, _ *http.Request) {
	id := s.engine.CurrentMasterID()
	if id == "" {
		writeError(w, status.New(status.InsufficientData, "no master call loaded"))
		return
	}
	writeJSON(w, map[string]string{"master_id": id})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		// Check rate limit
		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{
				Type:    "error",
				Code:    "rate_limited",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "score":
			var req ScoreRequestMessage
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			ctx := baseCtx
			if req.TraceID != "" {
				tc := trace.NewChild(trace.Context{TraceID: req.TraceID})
				ctx = trace.WithContext(ctx, tc)
			} else {
				ctx, _ = trace.EnsureContext(ctx)
			}
			s.handleScoreRequest(ctx, conn, req.SessionID)
		}
	}
}

func (s *Server) handleScoreRequest(ctx context.Context, conn *websocket.Conn, sessionID int) {
	ctx, span := trace.StartSpan(ctx, "score_request")
	defer func() {
		span.End()
		trace.Logger(ctx).Debug("span complete", "span", span)
	}()

	score, err := s.engine.SimilarityScore(sessionID)
	if err != nil {
		span.SetAttr("error", err.Error())
		_ = wsjson.Write(ctx, conn, ErrorMessage{
			Type:    "error",
			Code:    status.CodeOf(err).String(),
			Message: err.Error(),
		})
		return
	}

	_ = wsjson.Write(ctx, conn, ScoreMessage{
		Type:      "score",
		SessionID: sessionID,
		MasterID:  s.engine.CurrentMasterID(),
		Score:     score,
	})
}

// broadcastScores fans engine score events out to every connection.
func (s *Server) broadcastScores() {
	for {
		select {
		case <-s.stopCh:
			return
		case evt := <-s.engine.Scores().Events():
			msg := ScoreMessage{
				Type:      "score",
				SessionID: evt.SessionID,
				MasterID:  evt.MasterID,
				Score:     evt.Score,
			}

			s.mu.RLock()
			for conn := range s.conns {
				go func(c *websocket.Conn) {
					_ = wsjson.Write(context.Background(), c, msg)
				}(conn)
			}
			s.mu.RUnlock()
		}
	}
}
