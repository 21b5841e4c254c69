package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kirillkom/db-agent/internal/config"
	"github.com/kirillkom/db-agent/internal/core/domain"
	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/observability/metrics"
)

const (
	metricsService         = "api"
	defaultTranscriptLimit = 20
	maxTranscriptLimit     = 200
	backpressureWait       = 250 * time.Millisecond
)

type Router struct {
	cfg         config.Config
	agent       ports.AgentRunner
	collections ports.CollectionLister
	transcripts ports.TranscriptReader
	metrics     *metrics.HTTPServerMetrics
}

// NewRouter wires the HTTP surface. transcripts may be nil when no audit
// store is configured.
func NewRouter(
	cfg config.Config,
	agent ports.AgentRunner,
	collections ports.CollectionLister,
	transcripts ports.TranscriptReader,
) *Router {
	return &Router{
		cfg:         cfg,
		agent:       agent,
		collections: collections,
		transcripts: transcripts,
	}
}

func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics) *Router {
	rt.metrics = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(chiMiddleware.Recoverer)
	if rt.metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return rt.metrics.Middleware(metricsService, next)
		})
	}
	r.Use(corsMiddleware(rt.cfg.APICORSOrigins))

	r.Get("/healthz", rt.healthz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	var validator func(http.Handler) http.Handler
	if rt.cfg.APIValidateSchema {
		openAPIRouter, err := loadOpenAPIRouter()
		if err != nil {
			slog.Error("openapi_validation_disabled", "error", err)
		} else {
			validator = requestValidationMiddleware(openAPIRouter)
		}
	}

	gate := newBackpressureGate(rt.cfg.APIMaxInFlight, backpressureWait, rt.throttled("backpressure"))

	r.Group(func(api chi.Router) {
		api.Use(apiKeyMiddleware(rt.cfg.APIKey))
		api.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.throttled("rate_limit"))
		})
		api.Use(gate.wrap)
		if validator != nil {
			api.Use(validator)
		}

		api.Get("/v1/collections", rt.listCollections)
		api.Post("/v1/chat", rt.streamChat)
		api.Post("/chat", rt.legacyChat)
		api.Get("/v1/transcripts", rt.listTranscripts)
		api.Get("/v1/transcripts/{request_id}", rt.getTranscript)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})
	return r
}

func (rt *Router) throttled(reason string) func() {
	return func() {
		if rt.metrics != nil {
			rt.metrics.RecordThrottled(metricsService, reason)
		}
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := rt.collections.ListCollectionNames(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (rt *Router) listTranscripts(w http.ResponseWriter, r *http.Request) {
	if rt.transcripts == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript store is not configured"})
		return
	}
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxTranscriptLimit)
	}

	transcripts, err := rt.transcripts.ListRecentTranscripts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if transcripts == nil {
		transcripts = []domain.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": transcripts})
}

func (rt *Router) getTranscript(w http.ResponseWriter, r *http.Request) {
	if rt.transcripts == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript store is not configured"})
		return
	}
	requestID := strings.TrimSpace(chi.URLParam(r, "request_id"))
	if requestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request id is required"})
		return
	}
	transcript, err := rt.transcripts.GetTranscriptByRequestID(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
