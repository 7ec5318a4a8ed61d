package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

// SynthOptions describes a randomly initialised model.
type SynthOptions struct {
	Config   amb.Config
	Metadata amb.Metadata

	// Tokenizer defaults to ByteTokenizerSection sized to the vocab.
	Tokenizer *amb.TokenizerSection

	// Quant is applied to every matrix. Norm vectors stay f32.
	Quant weights.QuantSpec

	Seed int64
}

// ByteTokenizerSection returns a byte-level vocabulary: ids 0-255 are raw
// bytes, followed by BOS, EOS and PAD when the vocab has room for them.
func ByteTokenizerSection(vocab int) *amb.TokenizerSection {
	ts := &amb.TokenizerSection{Type: amb.TokenizerByte, Special: amb.NoSpecialTokens()}
	n := min(vocab, 256)
	for b := range n {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: string([]byte{byte(b)})})
	}
	specials := []struct {
		piece string
		id    *uint16
	}{
		{"<s>", &ts.Special.BOS},
		{"</s>", &ts.Special.EOS},
		{"<pad>", &ts.Special.PAD},
	}
	for _, sp := range specials {
		if len(ts.Vocab) >= vocab {
			break
		}
		*sp.id = uint16(len(ts.Vocab))
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: sp.piece})
	}
	return ts
}

// Synthesize builds a writer holding a complete random model for opts.
// The same seed always yields the same file.
func Synthesize(opts SynthOptions) (*amb.Writer, error) {
	cfg, err := ConfigFromAMB(opts.Config)
	if err != nil {
		return nil, err
	}
	raw := opts.Config
	if raw.Quantization.Type == "" {
		raw.Quantization = amb.QuantConfig{Type: opts.Quant.Type.String(), BlockSize: opts.Quant.BlockSize}
	}
	w := amb.NewWriter(opts.Metadata, raw)
	if opts.Tokenizer != nil {
		w.Tokenizer = *opts.Tokenizer
	} else {
		w.Tokenizer = *ByteTokenizerSection(cfg.VocabSize)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var firstErr error
	matrix := func(name string, rows, cols int) {
		if firstErr != nil {
			return
		}
		scale := float32(1 / math.Sqrt(float64(cols)))
		vals := make([]float32, rows*cols)
		for i := range vals {
			vals[i] = (rng.Float32()*2 - 1) * scale
		}
		rec, err := weights.Quantize(name, []uint32{uint32(rows), uint32(cols)}, vals, opts.Quant)
		if err == nil {
			err = w.AddTensor(rec)
		}
		firstErr = err
	}
	vector := func(name string, n int, fill float32) {
		if firstErr != nil {
			return
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = fill + (rng.Float32()*2-1)*0.01
		}
		rec, err := weights.EncodeFloat(name, []uint32{uint32(n)}, vals, amb.DTypeF32)
		if err == nil {
			err = w.AddTensor(rec)
		}
		firstErr = err
	}

	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.KVDim()
	e := cfg.EmbeddingDim
	layerNorm := cfg.Norm == NormLayer

	matrix("token_embd.weight", cfg.VocabSize, e)
	for l := range cfg.NumLayers {
		vector(layerName(l, "attn_norm.weight"), e, 1)
		if layerNorm {
			vector(layerName(l, "attn_norm.bias"), e, 0)
		}
		matrix(layerName(l, "attn_q.weight"), qDim, e)
		matrix(layerName(l, "attn_k.weight"), kvDim, e)
		matrix(layerName(l, "attn_v.weight"), kvDim, e)
		matrix(layerName(l, "attn_output.weight"), e, qDim)
		vector(layerName(l, "ffn_norm.weight"), e, 1)
		if layerNorm {
			vector(layerName(l, "ffn_norm.bias"), e, 0)
		}
		matrix(layerName(l, "ffn_up.weight"), cfg.FFNDim, e)
		if cfg.Activation == ActSwiGLU {
			matrix(layerName(l, "ffn_gate.weight"), cfg.FFNDim, e)
		}
		matrix(layerName(l, "ffn_down.weight"), e, cfg.FFNDim)
	}
	vector("output_norm.weight", e, 1)
	if layerNorm {
		vector("output_norm.bias", e, 0)
	}
	if !cfg.TieEmbeddings {
		matrix("output.weight", cfg.VocabSize, e)
	}
	if firstErr != nil {
		return nil, fmt.Errorf("synthesize: %w", firstErr)
	}
	return w, nil
}
