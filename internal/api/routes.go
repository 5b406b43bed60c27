// Package api provides HTTP handlers for the Genome-Tiles server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/genome-tiles/server/internal/cache"
	"github.com/genome-tiles/server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Cache       *cache.Manager
	JobManager  *JobManager
	Warmup      *service.WarmupService
	// Metrics is served at /metrics when set.
	Metrics *prometheus.Registry
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/tracks", tracksHandler)
		r.Route("/tracks/{track}", func(r chi.Router) {
			r.Use(trackMiddleware)

			r.Get("/tiles", tilesHandler)
			r.Get("/tile", tileHandler)
			r.Get("/stats", trackStatsHandler)
			r.Delete("/contigs/{contig}", clearContigHandler)
			r.Post("/warmup", warmupSubmitHandler(cfg.JobManager, cfg.Warmup))
		})

		// Warm-up job routes
		r.Get("/warmup/jobs/{job_id}", warmupStatusHandler(cfg.JobManager))
		r.Post("/warmup/jobs/{job_id}/cancel", warmupCancelHandler(cfg.JobManager))
		r.Delete("/warmup/jobs/{job_id}", warmupDeleteHandler(cfg.JobManager))
	})

	return r
}

// Context keys for dataset and track
type ctxKey string

const (
	datasetKey ctxKey = "dataset"
	trackKey   ctxKey = "track"
)

// datasetMiddleware resolves the dataset from URL and injects it into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			ds := registry.Get(datasetID)
			if ds == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetKey, ds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// trackMiddleware resolves the track within the dataset.
func trackMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ds := getDataset(r)
		if ds == nil {
			http.Error(w, "dataset not found", http.StatusInternalServerError)
			return
		}
		trackID := chi.URLParam(r, "track")
		track := ds.Track(trackID)
		if track == nil {
			http.Error(w, "track not found: "+trackID, http.StatusNotFound)
			return
		}
		ctx := context.WithValue(r.Context(), trackKey, track)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getDataset(r *http.Request) *service.Dataset {
	if ds, ok := r.Context().Value(datasetKey).(*service.Dataset); ok {
		return ds
	}
	return nil
}

func getTrack(r *http.Request) service.Track {
	if t, ok := r.Context().Value(trackKey).(service.Track); ok {
		return t
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			writeJSON(w, map[string]interface{}{})
			return
		}
		writeJSON(w, cm.Stats())
	}
}

type trackInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func tracksHandler(w http.ResponseWriter, r *http.Request) {
	ds := getDataset(r)
	if ds == nil {
		http.Error(w, "dataset not found", http.StatusInternalServerError)
		return
	}
	tracks := ds.Tracks()
	infos := make([]trackInfo, 0, len(tracks))
	for _, t := range tracks {
		infos = append(infos, trackInfo{ID: t.ID(), Kind: t.Kind()})
	}
	writeJSON(w, map[string]interface{}{
		"dataset": ds.ID(),
		"tracks":  infos,
	})
}

// tilesHandler serves GET .../tiles?contig=&x0=&x1=&density=&wait=
func tilesHandler(w http.ResponseWriter, r *http.Request) {
	track := getTrack(r)
	q := r.URL.Query()

	contig := strings.TrimSpace(q.Get("contig"))
	if contig == "" {
		http.Error(w, "missing required query param: contig", http.StatusBadRequest)
		return
	}
	x0, err := parseFloatParam(q.Get("x0"))
	if err != nil {
		http.Error(w, "invalid x0", http.StatusBadRequest)
		return
	}
	x1, err := parseFloatParam(q.Get("x1"))
	if err != nil {
		http.Error(w, "invalid x1", http.StatusBadRequest)
		return
	}
	density := 1.0
	if s := q.Get("density"); s != "" {
		density, err = parseFloatParam(s)
		if err != nil || density <= 0 {
			http.Error(w, "invalid density", http.StatusBadRequest)
			return
		}
	}

	res, err := track.Tiles(r.Context(), contig, x0, x1, density, parseBool(q.Get("wait")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// tileHandler serves GET .../tile?contig=&x=&lod=&wait=
func tileHandler(w http.ResponseWriter, r *http.Request) {
	track := getTrack(r)
	q := r.URL.Query()

	contig := strings.TrimSpace(q.Get("contig"))
	if contig == "" {
		http.Error(w, "missing required query param: contig", http.StatusBadRequest)
		return
	}
	x, err := parseFloatParam(q.Get("x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	level := 0
	if s := q.Get("lod"); s != "" {
		level, err = strconv.Atoi(s)
		if err != nil || level < 0 || level > 62 {
			http.Error(w, "invalid lod", http.StatusBadRequest)
			return
		}
	}

	v, err := track.Tile(r.Context(), contig, x, level, parseBool(q.Get("wait")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, v)
}

func trackStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getTrack(r).Stats())
}

func clearContigHandler(w http.ResponseWriter, r *http.Request) {
	contig := chi.URLParam(r, "contig")
	if !getTrack(r).Clear(contig) {
		http.Error(w, "no loader for contig: "+contig, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseFloatParam(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}
