package lod

import (
	"context"
	"fmt"
	"sync"
)

// Future is the result of a tile fetch. A fetch that finishes synchronously
// returns an already settled Future (see Resolved and Rejected); asynchronous
// fetches hand back an unsettled one and settle it later from any goroutine.
type Future[P any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   P
	err     error
	waiters []func()
}

// NewFuture returns an unsettled future.
func NewFuture[P any]() *Future[P] {
	return &Future[P]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[P any](v P) *Future[P] {
	f := NewFuture[P]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[P any](err error) *Future[P] {
	f := NewFuture[P]()
	f.Reject(err)
	return f
}

// Go runs fn on a new goroutine and settles the returned future with its result.
func Go[P any](ctx context.Context, fn func(ctx context.Context) (P, error)) *Future[P] {
	f := NewFuture[P]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(fmt.Errorf("%w: %v", ErrFetchPanicked, r))
			}
		}()
		v, err := fn(ctx)
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// Resolve settles the future with v. Later calls are ignored.
func (f *Future[P]) Resolve(v P) {
	f.settle(v, nil)
}

// Reject settles the future with err. Later calls are ignored.
func (f *Future[P]) Reject(err error) {
	if err == nil {
		err = errRejectedWithoutReason
	}
	var zero P
	f.settle(zero, err)
}

func (f *Future[P]) settle(v P, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.value = v
	f.err = err
	waiters := f.waiters
	f.waiters = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// Done is closed once the future settles.
func (f *Future[P]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a value or an error.
func (f *Future[P]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Await blocks until the future settles or ctx is done.
func (f *Future[P]) Await(ctx context.Context) (P, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero P
		return zero, ctx.Err()
	}
}

// result must only be called after settlement.
func (f *Future[P]) result() (P, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// whenSettled registers fn to run on the settling goroutine. It returns false
// without registering when the future is already settled, leaving the caller
// to handle the result inline.
func (f *Future[P]) whenSettled(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.waiters = append(f.waiters, fn)
	return true
}
