package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
	"github.com/xiaoqi-ai/xiaoqi/internal/health"
	"github.com/xiaoqi-ai/xiaoqi/internal/history"
	"github.com/xiaoqi-ai/xiaoqi/internal/observability"
	"github.com/xiaoqi-ai/xiaoqi/internal/resolver"
	"github.com/xiaoqi-ai/xiaoqi/internal/transcript"
)

// Resolver is the cascade entry point the API exposes.
type Resolver interface {
	Resolve(ctx context.Context, message string, isVoice bool) (resolver.Result, error)
}

type Server struct {
	cfg         config.Config
	resolver    Resolver
	fuser       *resolver.Fuser
	checker     *health.Aggregator
	log         *history.Log
	transcripts transcript.Store
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, res Resolver, fuser *resolver.Fuser, checker *health.Aggregator, log *history.Log, transcripts transcript.Store, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		resolver:    res,
		fuser:       fuser,
		checker:     checker,
		log:         log,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same origin
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

	r.Post("/chat", s.handleChat)
	r.Post("/merge", s.handleMerge)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/chat/ws", s.handleChatWS)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/transcript/recent", s.handleRecentTranscript)

	return r
}

type chatRequest struct {
	Message string `json:"message"`
	IsVoice bool   `json:"is_voice"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.resolver.Resolve(r.Context(), req.Message, req.IsVoice)
	if err != nil {
		if errors.Is(err, resolver.ErrEmptyMessage) {
			respondError(w, http.StatusBadRequest, "message must not be empty")
			return
		}
		s.logger.Error("resolve failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type mergeRequest struct {
	Responses []string `json:"responses"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Responses) == 0 {
		respondError(w, http.StatusBadRequest, "responses must not be empty")
		return
	}

	merged := s.fuser.Merge(r.Context(), req.Responses)
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"merged": merged,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.checker.Check(r.Context())

	overall := "healthy"
	for _, st := range services {
		if st == health.StatusUnhealthy || st == health.StatusUnavailable {
			overall = "degraded"
			break
		}
	}

	providers := make([]string, 0, 2)
	for _, pc := range []config.ProviderConfig{s.cfg.Primary, s.cfg.Secondary} {
		if pc.Kind != "off" {
			providers = append(providers, pc.Name)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
		"config": map[string]any{
			"memory_priority":           s.cfg.Memory.Priority,
			"knowledge_base_priority":   s.cfg.KnowledgeBase.Priority,
			"long_term_memory_priority": s.cfg.LongTermMemory.Priority,
			"llm_providers":             providers,
		},
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	turns := s.log.Snapshot(0)
	respondJSON(w, http.StatusOK, map[string]any{
		"turns": turns,
		"count": len(turns),
	})
}

func (s *Server) handleRecentTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "transcript archive not configured")
		return
	}

	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be within [1, 500]")
			return
		}
		limit = n
	}

	records, err := s.transcripts.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("transcript lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "transcript lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"turns": records,
		"count": len(records),
	})
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		s.metrics.WSMessages.WithLabelValues("inbound").Inc()

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeWS(conn, errorResponse{Status: "error", Error: "invalid message"})
			continue
		}

		res, err := s.resolver.Resolve(r.Context(), req.Message, req.IsVoice)
		if err != nil {
			if errors.Is(err, resolver.ErrEmptyMessage) {
				s.writeWS(conn, errorResponse{Status: "error", Error: "message must not be empty"})
				continue
			}
			s.logger.Error("resolve failed", zap.Error(err))
			s.writeWS(conn, errorResponse{Status: "error", Error: "internal error"})
			continue
		}
		s.writeWS(conn, res)
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("websocket write failed", zap.Error(err))
		return
	}
	s.metrics.WSMessages.WithLabelValues("outbound").Inc()
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Status: "error", Error: message})
}
