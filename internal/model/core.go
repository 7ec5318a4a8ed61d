package model

import (
	"context"
	"fmt"

	"github.com/embee-go/embee/internal/kvcache"
	"github.com/embee-go/embee/internal/tensor"
)

// Prefill runs tokens at the positions following the cached prefix and
// returns logits for the last one. The returned slice is owned by the
// state and overwritten by the next step.
func (s *State) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: prefill needs at least one token")
	}
	start := s.cache.Len()
	if start+len(tokens) > s.cache.Capacity() {
		return nil, fmt.Errorf("%w: %d cached + %d new positions, capacity %d",
			kvcache.ErrCapacityExceeded, start, len(tokens), s.cache.Capacity())
	}
	for _, tok := range tokens {
		if err := s.checkToken(tok); err != nil {
			return nil, err
		}
	}
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			s.cache.Truncate(start + i)
			return nil, err
		}
		pos := start + i
		if err := s.forward(tok, pos, i == len(tokens)-1); err != nil {
			s.cache.Truncate(start + i)
			return nil, err
		}
		if err := s.cache.Commit(pos + 1); err != nil {
			return nil, err
		}
	}
	return s.logits, nil
}

// Decode runs a single token at the next position.
func (s *State) Decode(tok int) ([]float32, error) {
	if err := s.checkToken(tok); err != nil {
		return nil, err
	}
	pos := s.cache.Len()
	if err := s.forward(tok, pos, true); err != nil {
		return nil, err
	}
	if err := s.cache.Commit(pos + 1); err != nil {
		return nil, err
	}
	return s.logits, nil
}

func (s *State) checkToken(tok int) error {
	if tok < 0 || tok >= s.m.Config.VocabSize {
		return fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, tok, s.m.Config.VocabSize)
	}
	return nil
}

func (s *State) norm(dst, src, weight, bias []float32) {
	if s.m.Config.Norm == NormLayer {
		tensor.LayerNorm(dst, src, weight, bias, s.m.Config.NormEps)
		return
	}
	tensor.RMSNorm(dst, src, weight, s.m.Config.NormEps)
}

// forward runs every layer for one token at pos, writing its keys and values
// into the cache. Output logits are only projected when wantLogits is set.
func (s *State) forward(tok, pos int, wantLogits bool) error {
	m := s.m
	c := m.Config

	x := s.x
	m.Embeddings.RowTo(x, tok)

	for l := range m.Layers {
		layer := &m.Layers[l]

		// Attention block: pre-norm, projections, rope, cache, attention, residual.
		s.norm(s.xb, x, layer.AttnNorm, layer.AttnNormBias)
		tensor.MatVec(s.q, &layer.Wq, s.xb)
		tensor.MatVec(s.k, &layer.Wk, s.xb)
		tensor.MatVec(s.v, &layer.Wv, s.xb)
		if c.Rope.Enabled {
			tensor.ApplyRoPE(s.q, c.NumHeads, c.HeadDim, pos, m.invFreq)
			tensor.ApplyRoPE(s.k, c.NumKVHeads, c.HeadDim, pos, m.invFreq)
		}
		if err := s.cache.Write(l, pos, s.k, s.v); err != nil {
			return err
		}
		if err := s.attention(l, pos); err != nil {
			return err
		}
		tensor.MatVec(s.xb2, &layer.Wo, s.att)
		tensor.Add(x, s.xb2)

		// FFN block: pre-norm, activation, down projection, residual.
		s.norm(s.xb, x, layer.FfnNorm, layer.FfnNormBias)
		s.ffn(layer, s.xb)
		tensor.MatVec(s.xb2, &layer.Down, s.hb)
		tensor.Add(x, s.xb2)
	}

	if !wantLogits {
		return nil
	}
	s.norm(s.xb, x, m.OutputNorm, m.OutputNormBias)
	tensor.MatVec(s.logits, &m.Output, s.xb)
	return nil
}

func (s *State) ffn(layer *Layer, x []float32) {
	tensor.MatVec(s.hb, &layer.Up, x)
	switch s.m.Config.Activation {
	case ActSwiGLU:
		tensor.MatVec(s.hb2, layer.Gate, x)
		tensor.SwiGLU(s.hb, s.hb2, s.hb)
	case ActSiLU:
		tensor.Apply(s.hb, tensor.Silu)
	case ActReLU:
		tensor.Apply(s.hb, tensor.Relu)
	default:
		tensor.Apply(s.hb, tensor.Gelu)
	}
}
