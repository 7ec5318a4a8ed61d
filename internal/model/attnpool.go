package model

import (
	"math"
	"runtime"

	"github.com/embee-go/embee/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// attnWorkersFor caps attention parallelism at the head count.
func attnWorkersFor(nHead int) int {
	workers := max(runtime.GOMAXPROCS(0), 1)
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	return workers
}

// attention fills s.att for layer at pos. Heads are independent and run in
// parallel; the call returns only after every head is done.
func (s *State) attention(layer, pos int) error {
	c := s.m.Config
	keys := s.cache.Keys(layer, pos)
	values := s.cache.Values(layer, pos)
	scale := float32(1 / math.Sqrt(float64(c.HeadDim)))

	workers := attnWorkersFor(c.NumHeads)
	// A short window is cheaper inline than on goroutines.
	if workers <= 1 || (pos+1)*c.HeadDim < 4096 {
		s.runAttnHeads(keys, values, pos, scale, 0, c.NumHeads)
		return nil
	}

	chunk := (c.NumHeads + workers - 1) / workers
	var g errgroup.Group
	for rs := 0; rs < c.NumHeads; rs += chunk {
		re := min(rs+chunk, c.NumHeads)
		g.Go(func() error {
			s.runAttnHeads(keys, values, pos, scale, rs, re)
			return nil
		})
	}
	return g.Wait()
}

// runAttnHeads computes heads [rs, re). Query head h reads kv head
// h*NumKVHeads/NumHeads, so groups of query heads share one kv head.
func (s *State) runAttnHeads(keys, values []float32, pos int, scale float32, rs, re int) {
	c := s.m.Config
	hd := c.HeadDim
	kvStride := c.KVDim()
	for h := rs; h < re; h++ {
		kvHead := h * c.NumKVHeads / c.NumHeads
		qh := s.q[h*hd : (h+1)*hd]
		scores := s.scores[h*c.MaxSeqLen : h*c.MaxSeqLen+pos+1]
		for t := 0; t <= pos; t++ {
			koff := t*kvStride + kvHead*hd
			scores[t] = tensor.Dot(qh, keys[koff:koff+hd]) * scale
		}
		tensor.Softmax(scores)
		out := s.att[h*hd : (h+1)*hd]
		clear(out)
		for t := 0; t <= pos; t++ {
			voff := t*kvStride + kvHead*hd
			w := scores[t]
			for d, v := range values[voff : voff+hd] {
				out[d] += w * v
			}
		}
	}
}
