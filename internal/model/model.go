// Package model loads AMB transformer models and runs the forward pass.
//
// A Model is immutable after Load and may be shared by any number of
// sessions. Per-session mutable state lives in State.
package model

import (
	"fmt"
	"strconv"

	"github.com/embee-go/embee/internal/tensor"
	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

// Layer holds the weights of one transformer block.
type Layer struct {
	AttnNorm, AttnNormBias []float32
	Wq, Wk, Wv, Wo         tensor.Mat

	FfnNorm, FfnNormBias []float32
	Up, Down             tensor.Mat
	Gate                 *tensor.Mat // swiglu only
}

// Model is a loaded transformer.
type Model struct {
	Config    Config
	Metadata  amb.Metadata
	Tokenizer *amb.TokenizerSection
	Weights   *weights.Store

	Embeddings     tensor.Mat
	Layers         []Layer
	OutputNorm     []float32
	OutputNormBias []float32
	Output         tensor.Mat

	invFreq []float64
	file    *amb.File
}

// Load opens a model file. Formats other than AMB are recognised and
// rejected with ErrUnsupportedFormat before anything is mapped.
func Load(path string) (*Model, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format != FormatAMB {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	f, err := amb.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := FromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m.file = f
	return m, nil
}

// FromFile builds a model over a parsed container. The caller keeps
// ownership of f and must keep it open while the model is used.
func FromFile(f *amb.File) (*Model, error) {
	cfg, err := ConfigFromAMB(f.Config)
	if err != nil {
		return nil, err
	}
	store, err := weights.NewStore(f.Tensors)
	if err != nil {
		return nil, err
	}
	if f.Tokenizer != nil && len(f.Tokenizer.Vocab) > cfg.VocabSize {
		return nil, corruptConfig("tokenizer has %d pieces for vocab_size %d", len(f.Tokenizer.Vocab), cfg.VocabSize)
	}

	m := &Model{
		Config:    cfg,
		Metadata:  f.Metadata,
		Tokenizer: f.Tokenizer,
		Weights:   store,
	}
	if err := m.bind(); err != nil {
		return nil, err
	}
	if cfg.Rope.Enabled {
		m.invFreq = tensor.RopeInvFreq(cfg.HeadDim, cfg.Rope.FreqBase, cfg.Rope.Scaling)
	}
	return m, nil
}

// Close releases the underlying file mapping, if the model owns one.
func (m *Model) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

type binder struct {
	store *weights.Store
	err   error
}

func (b *binder) mat(name string, rows, cols int) tensor.Mat {
	if b.err != nil {
		return tensor.Mat{}
	}
	t, err := b.store.Tensor(name)
	if err != nil {
		b.err = err
		return tensor.Mat{}
	}
	m, err := tensor.NewMat(t)
	if err != nil || m.R != rows || m.C != cols {
		b.err = fmt.Errorf("%w: %q has shape %v, want [%d %d]", weights.ErrCorruptTensor, name, t.Shape, rows, cols)
		return tensor.Mat{}
	}
	return m
}

func (b *binder) vec(name string, n int, optional bool) []float32 {
	if b.err != nil {
		return nil
	}
	if optional && !b.store.Has(name) {
		return nil
	}
	t, err := b.store.Tensor(name)
	if err != nil {
		b.err = err
		return nil
	}
	if t.Elements() != n || len(t.Shape) != 1 {
		b.err = fmt.Errorf("%w: %q has shape %v, want [%d]", weights.ErrCorruptTensor, name, t.Shape, n)
		return nil
	}
	return weights.Dequantize(t)
}

func layerName(l int, suffix string) string {
	return "blk." + strconv.Itoa(l) + "." + suffix
}

func (m *Model) bind() error {
	c := m.Config
	b := &binder{store: m.Weights}
	qDim := c.NumHeads * c.HeadDim
	kvDim := c.KVDim()
	// Biases are only meaningful for layer-norm models.
	biases := c.Norm == NormLayer

	m.Embeddings = b.mat("token_embd.weight", c.VocabSize, c.EmbeddingDim)
	m.Layers = make([]Layer, c.NumLayers)
	for l := range m.Layers {
		ly := &m.Layers[l]
		ly.AttnNorm = b.vec(layerName(l, "attn_norm.weight"), c.EmbeddingDim, false)
		ly.Wq = b.mat(layerName(l, "attn_q.weight"), qDim, c.EmbeddingDim)
		ly.Wk = b.mat(layerName(l, "attn_k.weight"), kvDim, c.EmbeddingDim)
		ly.Wv = b.mat(layerName(l, "attn_v.weight"), kvDim, c.EmbeddingDim)
		ly.Wo = b.mat(layerName(l, "attn_output.weight"), c.EmbeddingDim, qDim)
		ly.FfnNorm = b.vec(layerName(l, "ffn_norm.weight"), c.EmbeddingDim, false)
		ly.Up = b.mat(layerName(l, "ffn_up.weight"), c.FFNDim, c.EmbeddingDim)
		ly.Down = b.mat(layerName(l, "ffn_down.weight"), c.EmbeddingDim, c.FFNDim)
		if c.Activation == ActSwiGLU {
			gate := b.mat(layerName(l, "ffn_gate.weight"), c.FFNDim, c.EmbeddingDim)
			ly.Gate = &gate
		}
		if biases {
			ly.AttnNormBias = b.vec(layerName(l, "attn_norm.bias"), c.EmbeddingDim, true)
			ly.FfnNormBias = b.vec(layerName(l, "ffn_norm.bias"), c.EmbeddingDim, true)
		}
	}
	m.OutputNorm = b.vec("output_norm.weight", c.EmbeddingDim, false)
	if biases {
		m.OutputNormBias = b.vec("output_norm.bias", c.EmbeddingDim, true)
	}
	if c.TieEmbeddings {
		m.Output = m.Embeddings
	} else {
		m.Output = b.mat("output.weight", c.VocabSize, c.EmbeddingDim)
	}
	return b.err
}

// Summary is a short human-oriented description of a loaded model.
type Summary struct {
	Name         string
	Family       string
	Creator      string
	Architecture Arch
	Layers       int
	Heads        int
	KVHeads      int
	EmbeddingDim int
	VocabSize    int
	MaxSeqLen    int
	Quant        amb.QuantType
	Tensors      int
	WeightBytes  int64
}

func (m *Model) Summary() Summary {
	return Summary{
		Name:         m.Metadata.Name,
		Family:       m.Metadata.Family,
		Creator:      m.Metadata.Creator,
		Architecture: m.Config.Architecture,
		Layers:       m.Config.NumLayers,
		Heads:        m.Config.NumHeads,
		KVHeads:      m.Config.NumKVHeads,
		EmbeddingDim: m.Config.EmbeddingDim,
		VocabSize:    m.Config.VocabSize,
		MaxSeqLen:    m.Config.MaxSeqLen,
		Quant:        m.Config.Quant,
		Tensors:      m.Weights.Len(),
		WeightBytes:  m.Weights.Bytes(),
	}
}
