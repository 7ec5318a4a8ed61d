package model

import (
	"fmt"
	"strings"

	"github.com/embee-go/embee/internal/kvcache"
	"github.com/embee-go/embee/pkg/amb"
)

// Arch names a model family. All families share one compute path; the
// family only picks defaults.
type Arch string

const (
	ArchLlama   Arch = "llama"
	ArchMistral Arch = "mistral"
	ArchGemma   Arch = "gemma"
	ArchPhi     Arch = "phi"
	ArchFalcon  Arch = "falcon"
	ArchGPT2    Arch = "gpt2"
	ArchMPT     Arch = "mpt"
	ArchCustom  Arch = "custom"
)

var knownArchs = map[Arch]NormKind{
	ArchLlama:   NormRMS,
	ArchMistral: NormRMS,
	ArchGemma:   NormRMS,
	ArchCustom:  NormRMS,
	ArchPhi:     NormLayer,
	ArchFalcon:  NormLayer,
	ArchGPT2:    NormLayer,
	ArchMPT:     NormLayer,
}

// Activation selects the feed-forward non-linearity.
type Activation uint8

const (
	ActGELU Activation = iota
	ActSiLU
	ActReLU
	ActSwiGLU
)

var activationNames = map[string]Activation{
	"gelu":   ActGELU,
	"silu":   ActSiLU,
	"relu":   ActReLU,
	"swiglu": ActSwiGLU,
}

func (a Activation) String() string {
	switch a {
	case ActGELU:
		return "gelu"
	case ActSiLU:
		return "silu"
	case ActReLU:
		return "relu"
	case ActSwiGLU:
		return "swiglu"
	default:
		return fmt.Sprintf("activation(%d)", uint8(a))
	}
}

// ParseActivation maps a config name to an Activation.
func ParseActivation(s string) (Activation, error) {
	a, ok := activationNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedActivation, s)
	}
	return a, nil
}

// NormKind selects the normalization applied before each sub-block.
type NormKind uint8

const (
	NormRMS NormKind = iota
	NormLayer
)

func (n NormKind) String() string {
	if n == NormLayer {
		return "layernorm"
	}
	return "rmsnorm"
}

// RopeConfig holds rotary embedding parameters.
type RopeConfig struct {
	Enabled  bool
	FreqBase float64
	Scaling  float64
}

// Config is the validated, immutable model configuration.
type Config struct {
	Architecture  Arch
	VocabSize     int
	EmbeddingDim  int
	NumLayers     int
	NumHeads      int
	NumKVHeads    int
	HeadDim       int
	FFNDim        int
	MaxSeqLen     int
	Rope          RopeConfig
	Activation    Activation
	Norm          NormKind
	NormEps       float32
	TieEmbeddings bool

	Quant          amb.QuantType
	QuantBlockSize int
}

// ConfigFromAMB applies defaults and validates a raw config section.
func ConfigFromAMB(raw amb.Config) (Config, error) {
	arch := Arch(strings.ToLower(strings.TrimSpace(raw.Architecture)))
	defNorm, ok := knownArchs[arch]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedArch, raw.Architecture)
	}
	act, err := ParseActivation(raw.Activation)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Architecture:  arch,
		VocabSize:     raw.VocabSize,
		EmbeddingDim:  raw.EmbeddingDim,
		NumLayers:     raw.NumLayers,
		NumHeads:      raw.NumHeads,
		NumKVHeads:    raw.NumKVHeads,
		FFNDim:        raw.FFNDim,
		MaxSeqLen:     raw.MaxSeqLen,
		Rope:          RopeConfig{Enabled: raw.Rope.Enabled, FreqBase: raw.Rope.FreqBase, Scaling: raw.Rope.Scaling},
		Activation:    act,
		Norm:          defNorm,
		NormEps:       float32(raw.NormEps),
		TieEmbeddings: raw.TieEmbeddings,
	}
	switch strings.ToLower(raw.Norm) {
	case "":
	case "rmsnorm", "rms":
		cfg.Norm = NormRMS
	case "layernorm", "layer":
		cfg.Norm = NormLayer
	default:
		return Config{}, corruptConfig("unknown norm %q", raw.Norm)
	}
	if cfg.NumKVHeads == 0 {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.FFNDim == 0 {
		cfg.FFNDim = 4 * cfg.EmbeddingDim
	}
	if cfg.NormEps == 0 {
		cfg.NormEps = 1e-5
	}
	if cfg.Rope.Enabled && cfg.Rope.FreqBase == 0 {
		cfg.Rope.FreqBase = 10000
	}
	qt, ok := amb.ParseQuantType(raw.Quantization.Type)
	if !ok {
		return Config{}, corruptConfig("unknown quantization %q", raw.Quantization.Type)
	}
	cfg.Quant = qt
	cfg.QuantBlockSize = raw.Quantization.BlockSize

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural consistency and fills HeadDim.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 || c.EmbeddingDim <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.MaxSeqLen <= 0 || c.FFNDim <= 0 {
		return corruptConfig("dimensions must be positive")
	}
	if c.EmbeddingDim%c.NumHeads != 0 {
		return corruptConfig("embedding_dim %d not divisible by n_heads %d", c.EmbeddingDim, c.NumHeads)
	}
	if c.NumKVHeads <= 0 || c.NumKVHeads > c.NumHeads || c.NumHeads%c.NumKVHeads != 0 {
		return corruptConfig("n_heads %d not a multiple of n_kv_heads %d", c.NumHeads, c.NumKVHeads)
	}
	c.HeadDim = c.EmbeddingDim / c.NumHeads
	if c.Rope.Enabled && c.HeadDim%2 != 0 {
		return corruptConfig("rotary embeddings need an even head dim, got %d", c.HeadDim)
	}
	if c.MaxSeqLen > kvcache.MaxPositions {
		return corruptConfig("max_seq_len %d exceeds %d", c.MaxSeqLen, kvcache.MaxPositions)
	}
	if _, ok := kvcache.MulInt(c.NumLayers, c.MaxSeqLen, c.KVDim(), 2, 4); !ok {
		return corruptConfig("kv cache for %d layers × %d positions overflows", c.NumLayers, c.MaxSeqLen)
	}
	if _, ok := kvcache.MulInt(c.NumHeads, c.MaxSeqLen, 4); !ok {
		return corruptConfig("attention scores for %d heads × %d positions overflow", c.NumHeads, c.MaxSeqLen)
	}
	if _, ok := kvcache.MulInt(c.VocabSize, c.EmbeddingDim, 4); !ok {
		return corruptConfig("embedding table %d × %d overflows", c.VocabSize, c.EmbeddingDim)
	}
	return nil
}

// ToAMB converts back to the on-disk representation.
func (c Config) ToAMB() amb.Config {
	return amb.Config{
		Architecture:  string(c.Architecture),
		VocabSize:     c.VocabSize,
		EmbeddingDim:  c.EmbeddingDim,
		NumLayers:     c.NumLayers,
		NumHeads:      c.NumHeads,
		NumKVHeads:    c.NumKVHeads,
		FFNDim:        c.FFNDim,
		MaxSeqLen:     c.MaxSeqLen,
		Rope:          amb.RopeConfig{Enabled: c.Rope.Enabled, FreqBase: c.Rope.FreqBase, Scaling: c.Rope.Scaling},
		Activation:    c.Activation.String(),
		Norm:          c.Norm.String(),
		NormEps:       float64(c.NormEps),
		TieEmbeddings: c.TieEmbeddings,
		Quantization:  amb.QuantConfig{Type: c.Quant.String(), BlockSize: c.QuantBlockSize},
	}
}

// KVDim is the width of one key or value vector.
func (c Config) KVDim() int { return c.NumKVHeads * c.HeadDim }

// CacheConfig returns the KV cache geometry this model needs.
func (c Config) CacheConfig() kvcache.Config {
	return kvcache.Config{
		Layers:    c.NumLayers,
		MaxSeqLen: c.MaxSeqLen,
		KVHeads:   c.NumKVHeads,
		HeadDim:   c.HeadDim,
	}
}
