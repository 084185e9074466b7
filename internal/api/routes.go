// Package api serves the recorder's HTTP surface: liveness, readiness with
// the pipeline health snapshot, Prometheus metrics and the clip catalog.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/care/orion-recorder/internal/catalog"
	"github.com/care/orion-recorder/internal/core"
	"github.com/care/orion-recorder/internal/storage"
)

// ClipStore is the catalog query surface
type ClipStore interface {
	Days(ctx context.Context) ([]catalog.DaySummary, error)
	Clips(ctx context.Context, day string) ([]catalog.Record, error)
	Get(ctx context.Context, id string) (catalog.Record, error)
}

// HealthFunc returns the health of the current pipeline run
type HealthFunc func() core.HealthStatus

type LivenessResponse struct {
	Status     string `json:"status"`
	UptimeS    int64  `json:"uptime_s"`
	InstanceID string `json:"instance_id"`
	Restarts   uint64 `json:"restarts"`
}

type DaysResponse struct {
	Days []catalog.DaySummary `json:"days"`
}

type ClipsResponse struct {
	Day   string           `json:"day,omitempty"`
	Clips []catalog.Record `json:"clips"`
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", livenessHandler(cfg))
	r.Get("/readiness", readinessHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/clips", func(r chi.Router) {
		r.Get("/", listClipsHandler(cfg))
		r.Get("/days", listDaysHandler(cfg))
		r.Get("/{id}", getClipHandler(cfg))
		r.Get("/{id}/file", clipFileHandler(cfg))
	})

	return r
}

func livenessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := LivenessResponse{
			Status:     "alive",
			UptimeS:    int64(time.Since(cfg.StartTime).Seconds()),
			InstanceID: cfg.InstanceID,
		}
		if cfg.Restarts != nil {
			resp.Restarts = cfg.Restarts()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// readinessHandler returns the health snapshot; 503 only when unhealthy,
// a degraded pipeline still records
func readinessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := core.HealthStatus{Status: "unhealthy", Error: "pipeline not started"}
		if cfg.Health != nil {
			health = cfg.Health()
		}

		status := http.StatusOK
		if health.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		WriteJSON(w, status, health)
	}
}

func listDaysHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Catalog == nil {
			WriteError(w, http.StatusServiceUnavailable, "clip catalog disabled", "CATALOG_DISABLED")
			return
		}
		days, err := cfg.Catalog.Days(r.Context())
		if err != nil {
			cfg.Logger.Error("failed to list days", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list days", "INTERNAL_ERROR")
			return
		}
		if days == nil {
			days = []catalog.DaySummary{}
		}
		WriteJSON(w, http.StatusOK, DaysResponse{Days: days})
	}
}

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Catalog == nil {
			WriteError(w, http.StatusServiceUnavailable, "clip catalog disabled", "CATALOG_DISABLED")
			return
		}
		day := r.URL.Query().Get("day")
		if day != "" && !storage.IsDayKey(day) {
			WriteError(w, http.StatusBadRequest, "day must be DD_MM_YY", "INVALID_DAY")
			return
		}

		clips, err := cfg.Catalog.Clips(r.Context(), day)
		if err != nil {
			cfg.Logger.Error("failed to list clips", "day", day, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list clips", "INTERNAL_ERROR")
			return
		}
		if clips == nil {
			clips = []catalog.Record{}
		}
		WriteJSON(w, http.StatusOK, ClipsResponse{Day: day, Clips: clips})
	}
}

func getClip(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (catalog.Record, bool) {
	if cfg.Catalog == nil {
		WriteError(w, http.StatusServiceUnavailable, "clip catalog disabled", "CATALOG_DISABLED")
		return catalog.Record{}, false
	}
	rec, err := cfg.Catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, catalog.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "clip not found", "NOT_FOUND")
		return catalog.Record{}, false
	}
	if err != nil {
		cfg.Logger.Error("failed to get clip", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to get clip", "INTERNAL_ERROR")
		return catalog.Record{}, false
	}
	return rec, true
}

func getClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rec, ok := getClip(cfg, w, r); ok {
			WriteJSON(w, http.StatusOK, rec)
		}
	}
}

// clipFileHandler streams a finalized clip (Range requests supported)
func clipFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := getClip(cfg, w, r)
		if !ok {
			return
		}
		if rec.Status != catalog.StatusFinalized {
			WriteError(w, http.StatusConflict, "clip is not finalized", "NOT_FINALIZED")
			return
		}

		f, err := os.Open(rec.Path)
		if err != nil {
			WriteError(w, http.StatusGone, "clip file no longer on disk", "GONE")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "video/x-msvideo")
		http.ServeContent(w, r, rec.Name, rec.ClosedAt, f)
	}
}
