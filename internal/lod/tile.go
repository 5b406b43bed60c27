package lod

import (
	"context"
	"strconv"
	"sync"
)

// State is the load state of a tile.
type State int32

const (
	// StateEmpty means no data and no request in progress.
	StateEmpty State = iota
	// StateLoading means a fetch is queued or in flight.
	StateLoading
	// StateComplete means the payload is available. It is terminal.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Subscription identifies a registered tile callback.
type Subscription uint64

// Tile is one cached unit of data at (LOD level, LOD-space x). Consumers only
// get the read-only method set; state changes go through the scheduler.
type Tile[P any] struct {
	lodLevel int
	lodX     int64
	width    int64
	row      int
	block    *Block[P]

	mu         sync.RWMutex
	state      State
	payload    P
	lastErr    error
	changed    chan struct{}
	nextSub    Subscription
	onComplete map[Subscription]func(P)
	onFailed   map[Subscription]func(error)
	subOrder   []Subscription
}

func newTile[P any](lodLevel int, lodX, width int64, row int, block *Block[P]) *Tile[P] {
	return &Tile[P]{
		lodLevel: lodLevel,
		lodX:     lodX,
		width:    width,
		row:      row,
		block:    block,
		changed:  make(chan struct{}),
	}
}

// LODLevel returns the tile's level of detail.
func (t *Tile[P]) LODLevel() int { return t.lodLevel }

// LODX returns the tile start in LOD space.
func (t *Tile[P]) LODX() int64 { return t.lodX }

// X returns the absolute start coordinate, lodX·2^lodLevel.
func (t *Tile[P]) X() int64 { return t.lodX << uint(t.lodLevel) }

// Span returns the absolute width covered, tileWidth·2^lodLevel.
func (t *Tile[P]) Span() int64 { return t.width << uint(t.lodLevel) }

// Key encodes the tile identity.
func (t *Tile[P]) Key() string {
	return strconv.Itoa(t.lodLevel) + ":" + strconv.FormatInt(t.lodX, 10)
}

// RowIndex returns the tile's row inside its block.
func (t *Tile[P]) RowIndex() int { return t.row }

// Block returns the owning block.
func (t *Tile[P]) Block() *Block[P] { return t.block }

// Contains reports whether absolute coordinate x falls inside the tile.
func (t *Tile[P]) Contains(x float64) bool {
	start := float64(t.X())
	return x >= start && x < start+float64(t.Span())
}

// State returns the current load state.
func (t *Tile[P]) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Payload returns the payload and true when the tile is Complete.
func (t *Tile[P]) Payload() (P, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state != StateComplete {
		var zero P
		return zero, false
	}
	return t.payload, true
}

// LastError returns the reason of the most recent failed load, if any.
func (t *Tile[P]) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// OnComplete registers fn to receive the payload when the tile completes.
func (t *Tile[P]) OnComplete(fn func(P)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onComplete == nil {
		t.onComplete = make(map[Subscription]func(P))
	}
	id := t.subscribeLocked()
	t.onComplete[id] = fn
	return id
}

// OnLoadFailed registers fn to receive the failure reason of a load.
func (t *Tile[P]) OnLoadFailed(fn func(error)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onFailed == nil {
		t.onFailed = make(map[Subscription]func(error))
	}
	id := t.subscribeLocked()
	t.onFailed[id] = fn
	return id
}

func (t *Tile[P]) subscribeLocked() Subscription {
	t.nextSub++
	t.subOrder = append(t.subOrder, t.nextSub)
	return t.nextSub
}

// Unsubscribe removes a callback registered with OnComplete or OnLoadFailed.
func (t *Tile[P]) Unsubscribe(id Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.onComplete, id)
	delete(t.onFailed, id)
	for i, s := range t.subOrder {
		if s == id {
			t.subOrder = append(t.subOrder[:i], t.subOrder[i+1:]...)
			break
		}
	}
}

// Subscribers returns the number of registered callbacks.
func (t *Tile[P]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subOrder)
}

// Wait blocks while the tile is Loading. It returns the payload once Complete,
// the last failure (or ErrTileNotLoaded) when Empty, or ctx.Err().
func (t *Tile[P]) Wait(ctx context.Context) (P, error) {
	for {
		t.mu.RLock()
		state, payload, lastErr, changed := t.state, t.payload, t.lastErr, t.changed
		t.mu.RUnlock()

		switch state {
		case StateComplete:
			return payload, nil
		case StateEmpty:
			var zero P
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ErrTileNotLoaded
		}

		select {
		case <-changed:
		case <-ctx.Done():
			var zero P
			return zero, ctx.Err()
		}
	}
}

// markLoading moves an Empty tile to Loading. It reports false if the tile
// was in any other state.
func (t *Tile[P]) markLoading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateEmpty {
		return false
	}
	t.state = StateLoading
	return true
}

// complete stores the payload and returns the callbacks to notify.
func (t *Tile[P]) complete(v P) []func(P) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateComplete {
		return nil
	}
	t.state = StateComplete
	t.payload = v
	t.lastErr = nil
	t.broadcastLocked()

	fns := make([]func(P), 0, len(t.onComplete))
	for _, id := range t.subOrder {
		if fn, ok := t.onComplete[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// fail resets a Loading tile to Empty and returns the callbacks to notify.
func (t *Tile[P]) fail(err error) []func(error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateComplete {
		return nil
	}
	t.state = StateEmpty
	t.lastErr = err
	t.broadcastLocked()

	fns := make([]func(error), 0, len(t.onFailed))
	for _, id := range t.subOrder {
		if fn, ok := t.onFailed[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// reset returns a Loading tile to Empty without notifying anyone.
func (t *Tile[P]) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading {
		return
	}
	t.state = StateEmpty
	t.broadcastLocked()
}

func (t *Tile[P]) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
