// Package gateway is the HTTP facade over the task lifecycle: task
// CRUD, upload/download grant issuance, processing triggers, and the
// grant-signed blob endpoints. All responses are JSON; rejections use
// a uniform error envelope with a stable machine-readable code.
package gateway

import (
	"net/http"
	"strings"

	"log/slog"

	"github.com/basket/datakiln/internal/agents"
	"github.com/basket/datakiln/internal/audit"
	"github.com/basket/datakiln/internal/billing"
	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/otel"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/runner"
	"github.com/basket/datakiln/internal/shared"
	"github.com/basket/datakiln/internal/staging"
)

type Server struct {
	cfg       *config.Config
	store     *persistence.Store
	ledger    *billing.Ledger
	gw        *staging.Gateway
	validator *agents.ParamsValidator
	runner    *runner.Runner
	logger    *slog.Logger
	metrics   *otel.Metrics

	auth *AuthMiddleware
	rl   *RateLimitMiddleware
}

func New(cfg *config.Config, store *persistence.Store, ledger *billing.Ledger, gw *staging.Gateway, validator *agents.ParamsValidator, run *runner.Runner, logger *slog.Logger, metrics *otel.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		gw:        gw,
		validator: validator,
		runner:    run,
		logger:    logger,
		metrics:   metrics,
		auth:      NewAuthMiddleware(cfg.APITokens),
		rl:        NewRateLimitMiddleware(cfg.RateLimit),
	}
}

// RateLimiter exposes the limiter so the caller can start eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.rl }

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskSubpath)
	mux.HandleFunc("/v1/blobs/upload", s.handleBlobUpload)
	mux.HandleFunc("/v1/blobs/download", s.handleBlobDownload)
	mux.HandleFunc("/v1/billing/balance", s.handleBalance)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.rl.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(1<<20, s.cfg.Staging.MaxUploadBytes)(h)
	h = traceMiddleware(h)
	return h
}

// traceMiddleware gives every request a trace ID, echoed in the
// response header so clients can quote it in bug reports.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

// handleTasks routes /v1/tasks: POST creates, GET lists.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskSubpath routes /v1/tasks/{id} and /v1/tasks/{id}/{op}.
func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(path, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetStatus(w, r, taskID)
		case http.MethodDelete:
			s.handleDeleteTask(w, r, taskID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch {
	case parts[1] == "uploads" && r.Method == http.MethodPost:
		s.handleRequestUploads(w, r, taskID)
	case parts[1] == "process" && r.Method == http.MethodPost:
		s.handleTriggerProcessing(w, r, taskID)
	case parts[1] == "downloads" && r.Method == http.MethodGet:
		s.handleListDownloads(w, r, taskID)
	case parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelTask(w, r, taskID)
	case parts[1] == "events" && r.Method == http.MethodGet:
		s.handleListEvents(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"config":  s.cfg.Fingerprint(),
	}
	if dbOK {
		total := 0
		for _, n := range counts {
			total += n
		}
		payload["task_count"] = total
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status": byStatus,
		"audit_denials":   audit.DenyCount(),
		"rate_buckets":    s.rl.BucketCount(),
	})
}
