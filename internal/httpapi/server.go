// Package httpapi exposes the lifecycle state as a small read-only JSON API
// for front ends to poll. Mutations go through the CLI; this surface only
// observes.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelctl/internal/download"
	"modelctl/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	CheckEnvironment(refresh bool) types.SystemProfile
	Models() types.ModelsResponse
	DownloadProgress() (download.Progress, bool)
	IsServerRunning() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(requestLogger)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", handleHealthz)
	r.Get("/status", handleStatus(svc))
	r.Get("/profile", handleProfile(svc))
	r.Get("/models", handleModels(svc))
	r.Get("/download/progress", handleDownloadProgress(svc))
	r.Get("/metrics", handleMetrics(svc))
	MountSwagger(r)

	return r
}

// handleHealthz godoc
// @Summary Liveness check
// @Produce plain
// @Success 200 {string} string "ok"
// @Router /healthz [get]
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStatus godoc
// @Summary Full lifecycle status snapshot
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}

// handleProfile godoc
// @Summary Host capability profile
// @Description Cached after the first probe; pass refresh=1 to re-probe.
// @Produce json
// @Param refresh query string false "set to 1 to force a new probe"
// @Success 200 {object} types.SystemProfile
// @Router /profile [get]
func handleProfile(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh := r.URL.Query().Get("refresh") == "1"
		writeJSON(w, svc.CheckEnvironment(refresh))
	}
}

// handleModels godoc
// @Summary Model catalog and downloaded artifacts
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Router /models [get]
func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Models())
	}
}

// handleDownloadProgress godoc
// @Summary Progress of the current or last download session
// @Produce json
// @Success 200 {object} download.Progress
// @Failure 404 {object} types.ErrorResponse
// @Router /download/progress [get]
func handleDownloadProgress(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := svc.DownloadProgress()
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no download session")
			return
		}
		writeJSON(w, p)
	}
}

// handleMetrics refreshes the lifecycle gauges, then serves prometheus.
func handleMetrics(svc Service) http.HandlerFunc {
	h := promhttp.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.IsServerRunning() {
			serverUp.Set(1)
		} else {
			serverUp.Set(0)
		}
		if p, ok := svc.DownloadProgress(); ok && p.Status == download.StatusDownloading {
			downloadInProgress.Set(1)
			downloadPercent.Set(p.TotalPercent)
		} else {
			downloadInProgress.Set(0)
		}
		h.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
