package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/genome-tiles/server/internal/jobstore"
)

// WarmupExecutor prefetches the range of one stored warm-up job.
type WarmupExecutor func(ctx context.Context, store *jobstore.Store, jobID string) error

// JobManagerConfig contains configuration for the warm-up job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Worker goroutines (default 1)
	QueueSize     int    // Pending job capacity (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs warm-up jobs on a fixed pool of workers. Jobs are persisted
// so queued work survives a restart. Submitting the same range twice while the
// first job is pending returns the pending job.
type JobManager struct {
	cfg   JobManagerConfig
	store *jobstore.Store
	queue chan string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	pending map[string]string // warm-up range key -> job ID

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	Executor WarmupExecutor
}

// NewJobManager opens the job store and prepares an idle manager.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		pending: make(map[string]string),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start recovers jobs left by a previous process and starts the workers.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark interrupted jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	}
	for _, job := range queued {
		jm.mu.Lock()
		jm.pending[warmupKey(job.Params)] = job.ID
		jm.mu.Unlock()
		if jm.enqueue(job.ID) {
			log.Printf("[JobManager] re-queued warm-up %s (%s)", job.ID, warmupKey(job.Params))
			continue
		}
		jm.finish(job.ID, jobstore.JobStatusFailed, "job queue is full after restart")
	}

	for range jm.cfg.MaxConcurrent {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued keep their status and run after the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) enqueue(jobID string) bool {
	select {
	case jm.queue <- jobID:
		return true
	default:
		return false
	}
}

func (jm *JobManager) stopped() bool {
	select {
	case <-jm.stopCh:
		return true
	default:
		return false
	}
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		if jm.stopped() {
			continue
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil {
		log.Printf("[JobManager] failed to load job %s: %v", jobID, err)
		return
	}
	// Cancelled or deleted while queued.
	if job == nil || job.Status != jobstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	start := time.Now()
	var execErr error
	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		execErr = fmt.Errorf("failed to mark job as started: %w", err)
	} else if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// No longer cancellable once the final status is about to be written.
	jm.mu.Lock()
	delete(jm.running, jobID)
	jm.mu.Unlock()

	status, msg := outcome(ctx, execErr)
	log.Printf("[JobManager] warm-up %s %s after %s", jobID, status, time.Since(start).Round(time.Millisecond))
	if status == jobstore.JobStatusFailed {
		log.Printf("[JobManager] warm-up %s: %v", jobID, execErr)
	}
	jm.finish(jobID, status, msg)
}

// outcome maps an executor result to the job's final status.
func outcome(ctx context.Context, execErr error) (jobstore.JobStatus, string) {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		return jobstore.JobStatusFailed, execErr.Error()
	default:
		return jobstore.JobStatusCompleted, ""
	}
}

// finish records a terminal status and frees the job's range for new
// submissions.
func (jm *JobManager) finish(jobID string, status jobstore.JobStatus, msg string) {
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to mark job %s %s: %v", jobID, status, err)
	}
	jm.mu.Lock()
	for key, id := range jm.pending {
		if id == jobID {
			delete(jm.pending, key)
			break
		}
	}
	jm.mu.Unlock()
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
			if err != nil {
				log.Printf("[JobManager] cleanup error: %v", err)
			} else if deleted > 0 {
				log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
			}
		}
	}
}

// Submit queues a warm-up of params. While a job for the same range is queued
// or running, that job is returned instead of a new one.
func (jm *JobManager) Submit(params jobstore.WarmupParams) (*jobstore.Job, error) {
	key := warmupKey(params)

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if id, ok := jm.pending[key]; ok {
		job, err := jm.store.GetJob(id)
		if err != nil {
			return nil, err
		}
		if job != nil && !job.Status.Terminal() {
			return job, nil
		}
		delete(jm.pending, key)
	}

	job := &jobstore.Job{
		ID:        generateJobID(),
		DatasetID: params.DatasetID,
		TrackID:   params.TrackID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}
	if !jm.enqueue(job.ID) {
		job.Status = jobstore.JobStatusFailed
		job.Error = "job queue is full; try again later"
		if err := jm.store.UpdateJobStatus(job.ID, job.Status, job.Error); err != nil {
			return nil, err
		}
		return job, nil
	}
	jm.pending[key] = job.ID
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel stops a running job or marks a queued one cancelled. It reports
// whether the job was still active.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()
	if ok {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		return false
	}
	jm.finish(id, jobstore.JobStatusCancelled, "cancelled before start")
	return true
}

// Delete removes a job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

// warmupKey identifies a warm-up range for coalescing submissions.
func warmupKey(p jobstore.WarmupParams) string {
	return fmt.Sprintf("%s/%s/%s:%g-%g@%g", p.DatasetID, p.TrackID, p.Contig, p.X0, p.X1, p.Density)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
