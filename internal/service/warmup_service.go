package service

import (
	"context"
	"fmt"
	"math"

	"github.com/genome-tiles/server/internal/jobstore"
)

// maxWarmupWindows bounds how many range queries one warm-up job issues.
const maxWarmupWindows = 32

// WarmupService prefetches contig ranges through a track's loaders.
type WarmupService struct {
	registry interface {
		Get(datasetID string) *Dataset
	}
}

// NewWarmupService creates a new warm-up service.
func NewWarmupService(registry interface{ Get(datasetID string) *Dataset }) *WarmupService {
	return &WarmupService{registry: registry}
}

// ValidateParams checks a request before it is queued.
func (s *WarmupService) ValidateParams(p jobstore.WarmupParams) error {
	ds := s.registry.Get(p.DatasetID)
	if ds == nil {
		return fmt.Errorf("%w: dataset %s", ErrNotFound, p.DatasetID)
	}
	if ds.Track(p.TrackID) == nil {
		return fmt.Errorf("%w: track %s", ErrNotFound, p.TrackID)
	}
	if p.Contig == "" {
		return fmt.Errorf("%w: missing contig", ErrOutOfRange)
	}
	if !finite(p.X0) || !finite(p.X1) || p.X1 < p.X0 {
		return fmt.Errorf("%w: invalid range [%v, %v]", ErrOutOfRange, p.X0, p.X1)
	}
	if !finite(p.Density) || p.Density <= 0 {
		return fmt.Errorf("%w: invalid density %v", ErrOutOfRange, p.Density)
	}
	return nil
}

// progressStore is the part of jobstore.Store a warm-up run writes to.
type progressStore interface {
	GetJob(jobID string) (*jobstore.Job, error)
	UpdateJobProgress(jobID string, done, total, tiles int) error
}

// ExecuteWarmupJob loads every tile of the job's range (called by JobManager worker).
func (s *WarmupService) ExecuteWarmupJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	return s.executeWarmup(ctx, store, jobID)
}

func (s *WarmupService) executeWarmup(ctx context.Context, store progressStore, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params
	if err := s.ValidateParams(p); err != nil {
		return err
	}
	track := s.registry.Get(p.DatasetID).Track(p.TrackID)

	windows := splitRange(p.X0, p.X1, maxWarmupWindows)
	if err := store.UpdateJobProgress(jobID, 0, len(windows), 0); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	loaded := 0
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := track.Tiles(ctx, p.Contig, w[0], w[1], p.Density, true)
		if err != nil {
			return err
		}
		for _, tv := range res.Tiles {
			if tv.Error != "" {
				return fmt.Errorf("tile %s: %s", tv.Key, tv.Error)
			}
			if tv.State == "complete" {
				loaded++
			}
		}
		if err := store.UpdateJobProgress(jobID, i+1, len(windows), loaded); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}
	return nil
}

// splitRange cuts [x0, x1] into at most n equal windows.
func splitRange(x0, x1 float64, n int) [][2]float64 {
	width := x1 - x0
	if width <= 0 || n <= 1 {
		return [][2]float64{{x0, x1}}
	}
	n = min(n, int(math.Ceil(width)))
	step := width / float64(n)
	out := make([][2]float64, 0, n)
	for i := 0; i < n; i++ {
		lo := x0 + float64(i)*step
		hi := lo + step
		if i == n-1 {
			hi = x1
		}
		out = append(out, [2]float64{lo, hi})
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
