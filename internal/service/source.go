package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// sourceGate coalesces concurrent reads of the same key and throttles reads
// that reach the source.
type sourceGate struct {
	group   singleflight.Group
	limiter *rate.Limiter
}

func (g *sourceGate) do(ctx context.Context, key string, read func() (any, error)) (any, error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("source limiter: %w", err)
			}
		}
		return read()
	})
	return v, err
}

func encodeFloats(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
