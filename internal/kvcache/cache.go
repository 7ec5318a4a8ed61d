// Package kvcache holds per-session key/value projections indexed by
// absolute token position.
//
// A Cache is owned by exactly one session and is not safe for concurrent
// use.
package kvcache

import (
	"errors"
	"fmt"
	"math"
)

// MaxPositions bounds MaxSeqLen. Larger contexts are rejected as corrupt
// geometry rather than attempted.
const MaxPositions = 1 << 20

// ErrCapacityExceeded reports a write at or beyond the configured maximum
// sequence length.
var ErrCapacityExceeded = errors.New("kv cache capacity exceeded")

// Config fixes the cache geometry. Two caches are interchangeable only if
// their configs are equal.
type Config struct {
	Layers    int
	MaxSeqLen int
	KVHeads   int
	HeadDim   int
}

// Stride is the number of floats stored per position per layer.
func (c Config) Stride() int { return c.KVHeads * c.HeadDim }

// Validate reports whether the geometry can be allocated. The byte size of
// both buffers must fit in an int.
func (c Config) Validate() error {
	if c.Layers <= 0 || c.MaxSeqLen <= 0 || c.KVHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("kvcache: invalid geometry %+v", c)
	}
	if c.MaxSeqLen > MaxPositions {
		return fmt.Errorf("kvcache: max_seq_len %d exceeds %d", c.MaxSeqLen, MaxPositions)
	}
	if _, ok := MulInt(c.Layers, c.MaxSeqLen, c.KVHeads, c.HeadDim, 2, 4); !ok {
		return fmt.Errorf("kvcache: geometry %+v overflows", c)
	}
	return nil
}

// MulInt multiplies non-negative factors and reports false on overflow.
func MulInt(factors ...int) (int, bool) {
	n := 1
	for _, f := range factors {
		if f < 0 {
			return 0, false
		}
		if f != 0 && n > math.MaxInt/f {
			return 0, false
		}
		n *= f
	}
	return n, true
}

// Cache stores keys and values as flat [MaxSeqLen × KVHeads × HeadDim]
// buffers per layer, allocated once.
type Cache struct {
	cfg    Config
	keys   [][]float32
	values [][]float32
	n      int
}

// New allocates a cache for cfg.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	per := cfg.MaxSeqLen * cfg.Stride()
	c := &Cache{
		cfg:    cfg,
		keys:   make([][]float32, cfg.Layers),
		values: make([][]float32, cfg.Layers),
	}
	for l := range cfg.Layers {
		c.keys[l] = make([]float32, per)
		c.values[l] = make([]float32, per)
	}
	return c, nil
}

// Config returns the geometry the cache was built for.
func (c *Cache) Config() Config { return c.cfg }

// Compatible reports whether the cache can serve a model with cfg.
func (c *Cache) Compatible(cfg Config) bool { return c.cfg == cfg }

// Capacity returns the maximum number of positions.
func (c *Cache) Capacity() int { return c.cfg.MaxSeqLen }

// Len returns the number of committed positions.
func (c *Cache) Len() int { return c.n }

// Write stores the key and value vectors for layer at pos.
func (c *Cache) Write(layer, pos int, k, v []float32) error {
	if pos < 0 || pos >= c.cfg.MaxSeqLen {
		return fmt.Errorf("%w: position %d, capacity %d", ErrCapacityExceeded, pos, c.cfg.MaxSeqLen)
	}
	if layer < 0 || layer >= c.cfg.Layers {
		return fmt.Errorf("kvcache: layer %d out of range", layer)
	}
	stride := c.cfg.Stride()
	if len(k) != stride || len(v) != stride {
		return fmt.Errorf("kvcache: vector length %d/%d, want %d", len(k), len(v), stride)
	}
	off := pos * stride
	copy(c.keys[layer][off:off+stride], k)
	copy(c.values[layer][off:off+stride], v)
	return nil
}

// Keys returns the keys of layer for positions [0, pos] as one flat slice.
// The slice aliases the cache.
func (c *Cache) Keys(layer, pos int) []float32 {
	return c.keys[layer][:(pos+1)*c.cfg.Stride()]
}

// Values returns the values of layer for positions [0, pos].
func (c *Cache) Values(layer, pos int) []float32 {
	return c.values[layer][:(pos+1)*c.cfg.Stride()]
}

// Commit marks positions [0, n) as holding valid state.
func (c *Cache) Commit(n int) error {
	if n < 0 || n > c.cfg.MaxSeqLen {
		return fmt.Errorf("%w: commit %d, capacity %d", ErrCapacityExceeded, n, c.cfg.MaxSeqLen)
	}
	c.n = n
	return nil
}

// Truncate drops every position at or after n. Later writes overwrite them.
func (c *Cache) Truncate(n int) {
	if n < c.n {
		c.n = max(n, 0)
	}
}

// Reset discards all contents.
func (c *Cache) Reset() {
	for l := range c.cfg.Layers {
		clear(c.keys[l])
		clear(c.values[l])
	}
	c.n = 0
}

// Bytes returns the memory held by the key and value buffers.
func (c *Cache) Bytes() int64 {
	return int64(2*c.cfg.Layers) * int64(c.cfg.MaxSeqLen*c.cfg.Stride()) * 4
}
