package lod

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxActiveRequests bounds in-flight fetches when no limit is given.
const DefaultMaxActiveRequests = 4

// FetchFunc populates a tile. It returns a settled future when the data is
// available synchronously and an unsettled one otherwise. A panic inside the
// function counts as a failed load.
type FetchFunc[P any] func(ctx context.Context, t *Tile[P]) *Future[P]

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	MaxActiveRequests int
	Logger            *slog.Logger
}

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	MaxActive  int    `json:"max_active"`
	Active     int    `json:"active"`
	Queued     int    `json:"queued"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
}

type request[P any] struct {
	tile  *Tile[P]
	fetch FetchFunc[P]
}

// Scheduler dispatches tile fetches with at most MaxActiveRequests in flight.
// Requests that cannot start immediately wait on a stack, so the most recently
// touched tile is dispatched first when a slot frees up. Older requests may
// starve while the viewport keeps moving; that is accepted.
type Scheduler[P any] struct {
	maxActive int
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	active   int
	pending  []request[P]
	queued   map[*Tile[P]]struct{}
	draining bool

	dispatched uint64
	completed  uint64
	failed     uint64
}

// NewScheduler creates a scheduler.
func NewScheduler[P any](opts SchedulerOptions) *Scheduler[P] {
	if opts.MaxActiveRequests <= 0 {
		opts.MaxActiveRequests = DefaultMaxActiveRequests
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler[P]{
		maxActive: opts.MaxActiveRequests,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		queued:    make(map[*Tile[P]]struct{}),
	}
}

// LoadTile requests a fetch for an Empty tile. Calling it for a tile in any
// other state is a caller error: it is logged and ignored.
func (s *Scheduler[P]) LoadTile(t *Tile[P], fetch FetchFunc[P]) bool {
	if t == nil || fetch == nil {
		s.logger.Warn("load requested without tile or fetch function")
		return false
	}
	if st := t.State(); st != StateEmpty {
		s.logger.Warn("load requested for tile that is not empty",
			"key", t.Key(),
			"state", st.String(),
		)
		return false
	}
	return s.dispatch(t, fetch)
}

// Touch advances a tile's load state: Empty tiles get a request, queued tiles
// move to the front of the queue. Complete and in-flight tiles are left alone.
func (s *Scheduler[P]) Touch(t *Tile[P], fetch FetchFunc[P]) {
	switch t.State() {
	case StateEmpty:
		s.LoadTile(t, fetch)
	case StateLoading:
		s.BringToFrontOfQueue(t)
	}
}

func (s *Scheduler[P]) dispatch(t *Tile[P], fetch FetchFunc[P]) bool {
	// A tile another caller already moved to Loading keeps its queue entry.
	if !t.markLoading() {
		return false
	}
	s.mu.Lock()
	s.removeLocked(t)
	s.pending = append(s.pending, request[P]{tile: t, fetch: fetch})
	s.queued[t] = struct{}{}
	s.mu.Unlock()

	s.drain()
	return true
}

// BringToFrontOfQueue makes a queued, not yet dispatched tile the next one to
// start. It reports whether the tile was queued.
func (s *Scheduler[P]) BringToFrontOfQueue(t *Tile[P]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[t]; !ok {
		return false
	}
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i].tile != t {
			continue
		}
		req := s.pending[i]
		copy(s.pending[i:], s.pending[i+1:])
		s.pending[len(s.pending)-1] = req
		return true
	}
	return false
}

// RemoveFromQueue cancels a queued request and resets the tile to Empty so a
// later touch can request it again. Dispatched fetches cannot be cancelled.
func (s *Scheduler[P]) RemoveFromQueue(t *Tile[P]) bool {
	s.mu.Lock()
	removed := s.removeLocked(t)
	s.mu.Unlock()
	if removed {
		t.reset()
	}
	return removed
}

func (s *Scheduler[P]) removeLocked(t *Tile[P]) bool {
	if _, ok := s.queued[t]; !ok {
		return false
	}
	delete(s.queued, t)
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i].tile == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return true
}

// drain starts queued requests while slots are free. Only one goroutine
// drains at a time; everyone else returns and the active drainer picks up
// their work. Fetches that settle synchronously are finished inline, so chains
// of synchronous completions loop here instead of recursing.
func (s *Scheduler[P]) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for s.active < s.maxActive && len(s.pending) > 0 {
		last := len(s.pending) - 1
		req := s.pending[last]
		s.pending[last] = request[P]{}
		s.pending = s.pending[:last]
		delete(s.queued, req.tile)
		s.active++
		s.dispatched++
		s.mu.Unlock()

		fut := s.invoke(req)
		tile := req.tile
		async := fut.whenSettled(func() {
			s.finish(tile, fut)
			s.drain()
		})
		if !async {
			s.finish(tile, fut)
		}

		s.mu.Lock()
	}

	s.draining = false
	s.mu.Unlock()
}

func (s *Scheduler[P]) invoke(req request[P]) (fut *Future[P]) {
	defer func() {
		if r := recover(); r != nil {
			fut = Rejected[P](fmt.Errorf("%w: %v", ErrFetchPanicked, r))
		}
	}()
	fut = req.fetch(s.ctx, req.tile)
	if fut == nil {
		fut = Rejected[P](ErrNilFuture)
	}
	return fut
}

func (s *Scheduler[P]) finish(t *Tile[P], fut *Future[P]) {
	v, err := fut.result()
	ok := err == nil
	defer s.release(ok)

	if !ok {
		for _, fn := range t.fail(err) {
			fn(err)
		}
		s.logger.Warn("tile load failed",
			"key", t.Key(),
			"lod", t.LODLevel(),
			"x", t.X(),
			"error", err,
		)
		return
	}
	for _, fn := range t.complete(v) {
		fn(v)
	}
}

func (s *Scheduler[P]) release(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if ok {
		s.completed++
	} else {
		s.failed++
	}
}

// Active returns the number of dispatched fetches that have not settled.
func (s *Scheduler[P]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Queued returns the number of requests waiting for a slot.
func (s *Scheduler[P]) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// IsQueued reports whether t is waiting for a slot.
func (s *Scheduler[P]) IsQueued(t *Tile[P]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[t]
	return ok
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler[P]) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		MaxActive:  s.maxActive,
		Active:     s.active,
		Queued:     len(s.pending),
		Dispatched: s.dispatched,
		Completed:  s.completed,
		Failed:     s.failed,
	}
}

// Close cancels the context passed to fetch functions. Queued requests stay
// queued and will still be dispatched.
func (s *Scheduler[P]) Close() {
	s.cancel()
}
