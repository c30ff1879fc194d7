package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

// HTTPDeps are the collaborators of the status and admin surface.
type HTTPDeps struct {
	Loaders domain.LoaderRepository
	Admin   *usecase.Admin
	// Ready reports whether the engine database is reachable.
	Ready           func(ctx domain.Context) error
	Logger          *slog.Logger
	CORSOrigins     string
	AdminRatePerMin int
}

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler: health and metrics, the loader
// status projection, and the administrative commands. None of it sits on the
// scheduling hot path.
func BuildRouter(d HTTPDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(d.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(req.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "database unreachable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	r.Get("/v1/loaders", d.listLoaders)
	r.Get("/v1/loaders/{code}", d.getLoader)

	// Mutating endpoints are rate limited per client IP.
	r.Group(func(mr chi.Router) {
		mr.Use(httprate.LimitByIP(d.AdminRatePerMin, time.Minute))
		mr.Post("/v1/loaders/{code}/pause", d.pauseLoader)
		mr.Post("/v1/loaders/{code}/resume", d.resumeLoader)
		mr.Post("/v1/loaders/{code}/force", d.forceLoader)
		mr.Post("/v1/loaders/{code}/backfill", d.backfillLoader)
	})

	return r
}

// loaderStatus is the projection returned to the dashboard collaborator.
type loaderStatus struct {
	LoaderCode          string               `json:"loader_code"`
	SourceCode          string               `json:"source_code"`
	Enabled             bool                 `json:"enabled"`
	LoadStatus          domain.LoadStatus    `json:"load_status"`
	PurgeStrategy       domain.PurgeStrategy `json:"purge_strategy"`
	LastLoadTimestamp   *time.Time           `json:"last_load_timestamp,omitempty"`
	LastExecutionStart  *time.Time           `json:"last_execution_start,omitempty"`
	LastExecutionEnd    *time.Time           `json:"last_execution_end,omitempty"`
	FailedSince         *time.Time           `json:"failed_since,omitempty"`
	FailureReason       string               `json:"failure_reason,omitempty"`
	ConsecutiveZeroRuns int                  `json:"consecutive_zero_runs"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	BackfillUntil       *time.Time           `json:"backfill_until,omitempty"`
}

func projectLoader(l domain.Loader) loaderStatus {
	return loaderStatus{
		LoaderCode:          l.LoaderCode,
		SourceCode:          l.SourceCode,
		Enabled:             l.Enabled,
		LoadStatus:          l.LoadStatus,
		PurgeStrategy:       l.PurgeStrategy,
		LastLoadTimestamp:   l.LastLoadTimestamp,
		LastExecutionStart:  l.LastExecutionStart,
		LastExecutionEnd:    l.LastExecutionEnd,
		FailedSince:         l.FailedSince,
		FailureReason:       l.FailureReason,
		ConsecutiveZeroRuns: l.ConsecutiveZeroRuns,
		ConsecutiveFailures: l.ConsecutiveFailures,
		BackfillUntil:       l.BackfillUntil,
	}
}

func (d HTTPDeps) listLoaders(w http.ResponseWriter, req *http.Request) {
	loaders, err := d.Loaders.ListAll(req.Context())
	if err != nil {
		d.serveError(w, err)
		return
	}
	out := make([]loaderStatus, 0, len(loaders))
	for _, l := range loaders {
		out = append(out, projectLoader(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loaders": out})
}

func (d HTTPDeps) getLoader(w http.ResponseWriter, req *http.Request) {
	l, err := d.Loaders.GetByCode(req.Context(), chi.URLParam(req, "code"))
	if err != nil {
		d.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectLoader(l))
}

func (d HTTPDeps) pauseLoader(w http.ResponseWriter, req *http.Request) {
	if err := d.Admin.Pause(req.Context(), chi.URLParam(req, "code")); err != nil {
		d.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (d HTTPDeps) resumeLoader(w http.ResponseWriter, req *http.Request) {
	if err := d.Admin.Resume(req.Context(), chi.URLParam(req, "code")); err != nil {
		d.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (d HTTPDeps) forceLoader(w http.ResponseWriter, req *http.Request) {
	if err := d.Admin.ForceStart(req.Context(), chi.URLParam(req, "code")); err != nil {
		d.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "force scheduled"})
}

func (d HTTPDeps) backfillLoader(w http.ResponseWriter, req *http.Request) {
	var body struct {
		FromEpochSec  int64                `json:"from_epoch_sec"`
		ToEpochSec    int64                `json:"to_epoch_sec"`
		PurgeStrategy domain.PurgeStrategy `json:"purge_strategy"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	err := d.Admin.Backfill(req.Context(), usecase.BackfillRequest{
		LoaderCode:    chi.URLParam(req, "code"),
		FromEpochSec:  body.FromEpochSec,
		ToEpochSec:    body.ToEpochSec,
		PurgeStrategy: body.PurgeStrategy,
	})
	if err != nil {
		d.serveError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "backfill scheduled"})
}

func (d HTTPDeps) serveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "loader not found")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "loader is running, retry later")
	default:
		d.Logger.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
