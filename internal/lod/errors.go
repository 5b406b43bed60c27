package lod

import "errors"

var (
	// ErrTileDetached is returned for tiles whose block was discarded by Clear
	// or that belong to another loader.
	ErrTileDetached = errors.New("lod: tile is not attached to this loader")

	// ErrNoBlockPayloadFactory is returned by GetBlockPayload when the loader
	// was built without a block payload factory.
	ErrNoBlockPayloadFactory = errors.New("lod: no block payload factory configured")

	// ErrFetchPanicked wraps a panic raised inside a fetch function.
	ErrFetchPanicked = errors.New("lod: fetch panicked")

	// ErrNilFuture is the failure reason when a fetch function returns nil.
	ErrNilFuture = errors.New("lod: fetch returned a nil future")

	// ErrTileNotLoaded is returned by Tile.Wait for an Empty tile that has no
	// recorded failure.
	ErrTileNotLoaded = errors.New("lod: tile is not loaded")

	errRejectedWithoutReason = errors.New("lod: future rejected without a reason")
)
