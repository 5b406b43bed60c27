package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/genome-tiles/server/internal/jobstore"
	"github.com/genome-tiles/server/internal/service"
	"github.com/go-chi/chi/v5"
)

type warmupSubmitRequest struct {
	Contig  string  `json:"contig"`
	X0      float64 `json:"x0"`
	X1      float64 `json:"x1"`
	Density float64 `json:"density"`
}

// warmupSubmitHandler serves POST .../tracks/{track}/warmup
func warmupSubmitHandler(jm *JobManager, warmup *service.WarmupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || warmup == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req warmupSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Density == 0 {
			req.Density = 1
		}

		params := jobstore.WarmupParams{
			DatasetID: chi.URLParam(r, "dataset"),
			TrackID:   getTrack(r).ID(),
			Contig:    strings.TrimSpace(req.Contig),
			X0:        req.X0,
			X1:        req.X1,
			Density:   req.Density,
		}
		if err := warmup.ValidateParams(params); err != nil {
			writeError(w, err)
			return
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// lookupJob returns the job if it belongs to the dataset in the URL.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func warmupStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, job)
	}
}

func warmupCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": jm.Cancel(job.ID),
		})
	}
}

func warmupDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if !job.Status.Terminal() {
			http.Error(w, "job is "+string(job.Status)+"; cancel it first", http.StatusConflict)
			return
		}
		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
