// Package httpapi exposes job submission, the per-job WebSocket and the
// operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/jarvis/internal/config"
	"github.com/ent0n29/jarvis/internal/jobs"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/orchestrator"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/ent0n29/jarvis/internal/session"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxAudioBytes = 25 << 20
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	writeWait     = 10 * time.Second
)

type Orchestrator interface {
	Ready() bool
	Start(ctx context.Context, conversationID string, audio []byte) (string, error)
	Job(ctx context.Context, id string) (jobs.Job, error)
	Preview(ctx context.Context, text string) ([]byte, error)
}

type ToolLister interface {
	List() []tools.Spec
}

type Server struct {
	cfg          config.Config
	sessions     *session.Registry
	orchestrator Orchestrator
	tools        ToolLister
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	log          zerolog.Logger
}

func New(cfg config.Config, sessions *session.Registry, orch Orchestrator, toolList ToolLister, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orch,
		tools:        toolList,
		metrics:      metrics,
		log:          log.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v2/interact/start", s.handleStart)
	r.Get("/v2/interact/ws/{job_id}", s.handleJobWS)
	r.Post("/v1/tts/preview", s.handlePreviewTTS)
	r.Get("/v1/tools", s.handleListTools)
	r.Get("/v1/perf/stages", s.handlePerfStages)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil || !s.orchestrator.Ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "broker_unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"active_connections": s.sessions.Count(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil || !s.orchestrator.Ready() {
		respondError(w, http.StatusServiceUnavailable, "broker_unavailable", "message broker is not connected")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	file, _, err := r.FormFile("audio_file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart field audio_file is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(audio) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio_file is empty")
		return
	}

	jobID, err := s.orchestrator.Start(r.Context(), r.FormValue("session_id"), audio)
	switch {
	case errors.Is(err, orchestrator.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "broker_unavailable", err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("start job failed")
		respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, protocol.StartResponse{JobID: jobID})
}

// handleJobWS attaches a client to a job. The server only writes; reads
// exist to observe the close and answer pings.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	job, err := s.orchestrator.Job(r.Context(), jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job_lookup_failed", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := newWSChannel(conn, writeWait)
	log := s.log.With().Str("job_id", jobID).Logger()

	if job.Stage.Terminal() {
		_ = ch.SendJSON(protocol.ClientError{Error: "job.finished", Detail: "job is already " + string(job.Stage)})
		_ = ch.Close()
		return
	}
	if err := ch.SendJSON(protocol.ClientStatus{Status: protocol.StatusQueued, Detail: string(job.Stage)}); err != nil {
		_ = ch.Close()
		return
	}
	s.sessions.Register(jobID, ch)
	log.Debug().Msg("client attached")

	// The final event may have been handled between the lookup and Register,
	// in which case nothing will ever be delivered to this channel.
	if job, err := s.orchestrator.Job(r.Context(), jobID); err == nil && job.Stage.Terminal() {
		if s.sessions.Deliver(jobID, session.Message{
			JSON:  protocol.ClientError{Error: "job.finished", Detail: string(job.Stage)},
			Final: true,
		}) {
			log.Debug().Str("stage", string(job.Stage)).Msg("job finished before attach")
		}
	}

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.sessions.Touch(jobID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ch.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	if s.sessions.Unregister(jobID, ch) {
		log.Debug().Msg("client detached before delivery")
	}
	_ = ch.Close()
}

type previewTTSRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	audio, err := s.orchestrator.Preview(r.Context(), text)
	switch {
	case errors.Is(err, orchestrator.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "broker_unavailable", err.Error())
		return
	case errors.Is(err, orchestrator.ErrNoReply):
		respondError(w, http.StatusGatewayTimeout, "tts_timeout", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	list := []tools.Spec{}
	if s.tools != nil {
		list = s.tools.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": list})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
