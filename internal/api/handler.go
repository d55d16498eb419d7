// Package api exposes the conversation service over HTTP under /v1/llm.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/conversation"
)

// Conversations is the service surface the handlers call.
type Conversations interface {
	InitializeThread(ctx context.Context, threadID string) error
	RunTurn(ctx context.Context, threadID, prompt string) (*conversation.TurnResult, error)
	StreamTurn(ctx context.Context, threadID, prompt string, sink conversation.FrameSink) (conversation.StreamState, error)
	History(ctx context.Context, threadID string) ([]conversation.HistoryEntry, error)
	UpdateToolStatus(ctx context.Context, threadID, executionID string, status checkpoint.Status, hash string) (bool, error)
	ClearThread(ctx context.Context, threadID string) error
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc            Conversations
	store          Pinger
	metrics        http.Handler
	allowedOrigins []string
	logger         *zap.Logger
}

// Options configures optional parts of the router.
type Options struct {
	// Metrics is mounted at /metrics when set.
	Metrics        http.Handler
	AllowedOrigins []string
}

// NewHandler creates a new API handler.
func NewHandler(svc Conversations, store Pinger, opts Options, logger *zap.Logger) *Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		svc:            svc,
		store:          store,
		metrics:        opts.Metrics,
		allowedOrigins: origins,
		logger:         logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.healthCheck)
	r.Get("/readyz", h.readiness)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/v1/llm", func(r chi.Router) {
		r.Use(requireAddress)
		r.Post("/init", h.initThread)
		r.Post("/chat", h.chat)
		r.Get("/stream", h.stream)
		r.Get("/getChatHistory", h.history)
		r.Post("/completeTool", h.completeTool)
		r.Post("/abortTool", h.abortTool)
		r.Get("/clearChat", h.clearChat)
	})

	return r
}

type addressKey struct{}

// requireAddress resolves the thread id from the address or userAddress
// query parameter. Identity is verified upstream.
func requireAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		addr := q.Get("address")
		if addr == "" {
			addr = q.Get("userAddress")
		}
		if addr == "" {
			writeError(w, http.StatusBadRequest, "address query parameter is required")
			return
		}
		ctx := context.WithValue(r.Context(), addressKey{}, addr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func addressFrom(r *http.Request) string {
	addr, _ := r.Context().Value(addressKey{}).(string)
	return addr
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("thread", addressFrom(r)),
			zap.Error(err))
	}
	writeError(w, status, msg)
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) initThread(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.InitializeThread(r.Context(), addressFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, successResponse{Success: true})
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.svc.RunTurn(r.Context(), addressFrom(r), req.Prompt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	prompt := strings.Join(r.URL.Query()["prompt"], " ")
	if strings.TrimSpace(prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt query parameter is required")
		return
	}
	addr := addressFrom(r)

	sink := newSSESink(w)
	state, err := h.svc.StreamTurn(r.Context(), addr, prompt, sink)
	if err != nil {
		h.logger.Warn("stream ended with error",
			zap.String("thread", addr),
			zap.Stringer("state", state),
			zap.Error(err))
	}
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.History(r.Context(), addressFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

type toolStatusRequest struct {
	ExecutionID string `json:"executionId"`
	Hash        string `json:"hash,omitempty"`
}

func (h *Handler) completeTool(w http.ResponseWriter, r *http.Request) {
	h.updateTool(w, r, checkpoint.StatusCompleted)
}

func (h *Handler) abortTool(w http.ResponseWriter, r *http.Request) {
	h.updateTool(w, r, checkpoint.StatusAborted)
}

func (h *Handler) updateTool(w http.ResponseWriter, r *http.Request, status checkpoint.Status) {
	var req toolStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExecutionID == "" {
		writeData(w, http.StatusOK, successResponse{Success: false})
		return
	}
	hash := req.Hash
	if status != checkpoint.StatusCompleted {
		hash = ""
	}
	ok, err := h.svc.UpdateToolStatus(r.Context(), addressFrom(r), req.ExecutionID, status, hash)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, successResponse{Success: ok})
}

func (h *Handler) clearChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearThread(r.Context(), addressFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, successResponse{Success: true})
}
