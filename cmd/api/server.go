package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vcetai/vcet-assist/engine/admin"
	"github.com/vcetai/vcet-assist/engine/domain"
	"github.com/vcetai/vcet-assist/engine/rag"
	"github.com/vcetai/vcet-assist/internal/wire"
	"github.com/vcetai/vcet-assist/pkg/config"
	"github.com/vcetai/vcet-assist/pkg/metrics"
	"github.com/vcetai/vcet-assist/pkg/mid"
	"github.com/vcetai/vcet-assist/pkg/resilience"
)

// rebuildTimeout bounds a rebuild started over HTTP.
const rebuildTimeout = 30 * time.Minute

type server struct {
	svc         *rag.Service
	limiter     *resilience.Window
	bus         *admin.Bus
	reg         *metrics.Registry
	cfg         config.Config
	logger      *slog.Logger
	rebuilding  atomic.Bool
	rebuildDone chan struct{} // signalled after each background rebuild; nil outside tests
}

func newServer(app *wire.App, bus *admin.Bus, cfg config.Config, logger *slog.Logger) *server {
	return &server{svc: app.Service, limiter: app.Limiter, bus: bus, reg: app.Metrics, cfg: cfg, logger: logger}
}

func (s *server) routes() http.Handler {
	auth := mid.BearerAuth(s.cfg.AdminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/rate-limit", s.handleRateLimit)
	mux.HandleFunc("GET /api/suggestions", s.handleSuggestions)
	mux.Handle("POST /api/clear-cache", auth(http.HandlerFunc(s.handleClearCache)))
	mux.Handle("POST /api/admin/rebuild", auth(http.HandlerFunc(s.handleRebuild)))
	mux.Handle("GET /metrics", s.reg.Handler())
	mux.HandleFunc("/", handleNotFound)

	return mid.Chain(mux,
		mid.Recover(s.logger),
		mid.RequestID(),
		mid.ClientIP(true),
		mid.Logger(s.logger),
		mid.CORS(s.cfg.Origins()...),
		mid.OTel(s.cfg.OTelServiceName),
	)
}

// --- Wire types ---

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// QueryResponse is the JSON body returned by POST /api/query.
type QueryResponse struct {
	Status            string          `json:"status"`
	Response          string          `json:"response,omitempty"`
	Sources           []domain.Source `json:"sources,omitempty"`
	Cached            bool            `json:"cached"`
	ResponseTime      float64         `json:"response_time"`
	RemainingRequests int             `json:"remaining_requests"`
	Message           string          `json:"message,omitempty"`
	Error             string          `json:"error,omitempty"`
}

type statusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// httpStatus maps an outcome to its HTTP status code.
func httpStatus(st rag.Status) int {
	switch st {
	case rag.StatusOK:
		return http.StatusOK
	case rag.StatusRateLimited:
		return http.StatusTooManyRequests
	case rag.StatusInvalid:
		return http.StatusBadRequest
	case rag.StatusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// message is the client-facing text for a failed outcome.
func message(out rag.Outcome) string {
	switch {
	case out.Status == rag.StatusRateLimited:
		return rag.RateLimitedMessage
	case errors.Is(out.Err, domain.ErrQueryEmpty):
		return "Query cannot be empty"
	case errors.Is(out.Err, domain.ErrQueryTooLong):
		return "Query is too long (max 1000 characters)"
	case errors.Is(out.Err, domain.ErrInvalidQuery):
		return "Invalid query"
	case errors.Is(out.Err, domain.ErrIngestion), errors.Is(out.Err, domain.ErrStoreNotFound),
		errors.Is(out.Err, domain.ErrCorruptStore), errors.Is(out.Err, domain.ErrIO):
		return "RAG system failed to initialize. Please try again later."
	case errors.Is(out.Err, domain.ErrSummarization):
		return "The language model is unavailable. Please try again later."
	default:
		return "Failed to process query. Please try again."
	}
}

// --- Handlers ---

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	// A missing or malformed body is an empty query; it is still rate limited.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req)

	out := s.svc.Answer(r.Context(), rag.Request{
		ClientID: mid.GetClientIP(r),
		Query:    req.Query,
		TopK:     req.TopK,
	})

	resp := QueryResponse{
		Status:            "success",
		Response:          out.Response,
		Sources:           out.Sources,
		Cached:            out.Cached,
		ResponseTime:      math.Round(out.Duration.Seconds()*100) / 100,
		RemainingRequests: out.Remaining,
	}
	if out.Status != rag.StatusOK {
		resp = QueryResponse{Status: "error", Message: message(out), RemainingRequests: out.Remaining}
		if s.cfg.Debug && out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}
	writeJSON(w, httpStatus(out.Status), resp)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.svc.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"rag_initialized": h.Ready,
		"state":           h.State,
		"chunks":          h.Chunks,
		"last_error":      h.LastError,
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stats": s.svc.Stats()})
}

func (s *server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "success",
		"enabled":            s.limiter.Enabled(),
		"max_requests":       s.limiter.MaxRequests(),
		"remaining_requests": s.svc.Remaining(mid.GetClientIP(r)),
	})
}

func (s *server) handleSuggestions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "suggestions": s.cfg.Suggestions})
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.Dispatch(r.Context(), s.svc, admin.OpClearCache); err != nil {
		// The local cache is already clear; only the broadcast failed.
		s.logger.Warn("clear-cache broadcast failed", "err", err)
	}
	writeJSON(w, http.StatusOK, statusMessage{Status: "success", Message: "Cache cleared successfully"})
}

// handleRebuild starts a rebuild in the background; the old index keeps
// serving until the new one is swapped in.
func (s *server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, statusMessage{Status: "error", Message: "A rebuild is already in progress"})
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), rebuildTimeout)
	go func() {
		defer cancel()
		if err := s.bus.Dispatch(ctx, s.svc, admin.OpRebuild); err != nil {
			s.logger.Error("rebuild failed", "err", err)
		}
		s.rebuilding.Store(false)
		if s.rebuildDone != nil {
			s.rebuildDone <- struct{}{}
		}
	}()
	writeJSON(w, http.StatusAccepted, statusMessage{Status: "accepted", Message: "Rebuild started"})
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, statusMessage{Status: "error", Message: "Endpoint not found"})
}
