package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/embee-go/embee/internal/kvcache"
	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

func tinyConfig() amb.Config {
	return amb.Config{
		Architecture: "llama",
		VocabSize:    32,
		EmbeddingDim: 16,
		NumLayers:    2,
		NumHeads:     4,
		NumKVHeads:   2,
		FFNDim:       24,
		MaxSeqLen:    16,
		Rope:         amb.RopeConfig{Enabled: true, FreqBase: 10000},
		Activation:   "swiglu",
	}
}

func buildModel(t *testing.T, cfg amb.Config, quant weights.QuantSpec) *Model {
	t.Helper()
	w, err := Synthesize(SynthOptions{Config: cfg, Metadata: amb.Metadata{Name: "tiny"}, Quant: quant, Seed: 42})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := amb.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, err := FromFile(f)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	return m
}

func relClose(a, b float32, tol float64) bool {
	d := math.Abs(float64(a - b))
	scale := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	return d <= tol*math.Max(scale, 1)
}

func TestDecodeWithCacheMatchesFullRecompute(t *testing.T) {
	t.Parallel()

	layerNorm := tinyConfig()
	layerNorm.Architecture = "gpt2"
	layerNorm.Activation = "gelu"
	layerNorm.Rope = amb.RopeConfig{}
	layerNorm.NumKVHeads = 0

	mqa := tinyConfig()
	mqa.NumKVHeads = 1
	mqa.Activation = "silu"
	mqa.Rope.Scaling = 2

	// Wide heads and a long window take the parallel attention path.
	wide := tinyConfig()
	wide.EmbeddingDim = 256
	wide.FFNDim = 64
	wide.NumLayers = 1
	wide.MaxSeqLen = 128

	short := []int{1, 5, 9, 3, 7, 2, 30, 11}
	long := make([]int, 90)
	for i := range long {
		long[i] = (i*7 + 1) % wide.VocabSize
	}

	tests := []struct {
		name    string
		cfg     amb.Config
		quant   weights.QuantSpec
		tokens  []int
		prefill int
	}{
		{"llama f32", tinyConfig(), weights.QuantSpec{}, short, 3},
		{"llama int4 block", tinyConfig(), weights.QuantSpec{Type: amb.QuantInt4Block, BlockSize: 16, ScaleType: amb.ScaleF16}, short, 3},
		{"gpt2 layernorm", layerNorm, weights.QuantSpec{Type: amb.QuantInt8}, short, 3},
		{"mqa adaptive", mqa, weights.QuantSpec{Type: amb.QuantAdaptive, BlockSize: 8, ScaleType: amb.ScaleF16, Storage: amb.DTypeI5}, short, 3},
		{"gqa wide heads int4 block", wide, weights.QuantSpec{Type: amb.QuantInt4Block, BlockSize: 32, ScaleType: amb.ScaleF16}, long, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := buildModel(t, tt.cfg, tt.quant)
			tokens := tt.tokens

			inc, err := m.NewState()
			if err != nil {
				t.Fatalf("new state: %v", err)
			}
			if _, err := inc.Prefill(context.Background(), tokens[:tt.prefill]); err != nil {
				t.Fatalf("prefill: %v", err)
			}
			for p := tt.prefill; p < len(tokens); p++ {
				got, err := inc.Decode(tokens[p])
				if err != nil {
					t.Fatalf("decode %d: %v", p, err)
				}
				got = append([]float32(nil), got...)

				full, err := m.NewState()
				if err != nil {
					t.Fatalf("new state: %v", err)
				}
				want, err := full.Prefill(context.Background(), tokens[:p+1])
				if err != nil {
					t.Fatalf("full prefill: %v", err)
				}
				for i := range want {
					if !relClose(got[i], want[i], 1e-4) {
						t.Fatalf("pos %d logit %d: cached %v full %v", p, i, got[i], want[i])
					}
				}
			}
			if inc.Pos() != len(tokens) {
				t.Fatalf("pos: got %d want %d", inc.Pos(), len(tokens))
			}
		})
	}
}

func TestPrefillCapacityExceeded(t *testing.T) {
	t.Parallel()

	m := buildModel(t, tinyConfig(), weights.QuantSpec{})
	s, err := m.NewState()
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	tokens := make([]int, m.Config.MaxSeqLen+1)
	if _, err := s.Prefill(context.Background(), tokens); !errors.Is(err, kvcache.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if s.Pos() != 0 {
		t.Fatalf("failed prefill left %d positions", s.Pos())
	}

	if _, err := s.Prefill(context.Background(), tokens[:m.Config.MaxSeqLen]); err != nil {
		t.Fatalf("prefill to capacity: %v", err)
	}
	if _, err := s.Decode(0); !errors.Is(err, kvcache.ErrCapacityExceeded) {
		t.Fatalf("decode past capacity: got %v", err)
	}
}

func TestPrefillHonoursCancellation(t *testing.T) {
	t.Parallel()

	m := buildModel(t, tinyConfig(), weights.QuantSpec{})
	s, err := m.NewState()
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Prefill(ctx, []int{1, 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTokenOutOfRange(t *testing.T) {
	t.Parallel()

	m := buildModel(t, tinyConfig(), weights.QuantSpec{})
	s, err := m.NewState()
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if _, err := s.Decode(m.Config.VocabSize); !errors.Is(err, ErrTokenOutOfRange) {
		t.Fatalf("expected ErrTokenOutOfRange, got %v", err)
	}
}

func TestMissingTensorIsNotFound(t *testing.T) {
	t.Parallel()

	cfg := tinyConfig()
	cfg.TieEmbeddings = true
	w, err := Synthesize(SynthOptions{Config: cfg, Seed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := amb.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Claim untied embeddings so output.weight is required but absent.
	f.Config.TieEmbeddings = false
	if _, err := FromFile(f); !errors.Is(err, weights.ErrNotFound) {
		t.Fatalf("expected Not-Found, got %v", err)
	}
}

func TestHugeContextRejectedAtLoad(t *testing.T) {
	t.Parallel()

	w, err := Synthesize(SynthOptions{Config: tinyConfig(), Seed: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := amb.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.Config.MaxSeqLen = 1 << 50
	if _, err := FromFile(f); !errors.Is(err, amb.ErrCorruptFile) {
		t.Fatalf("expected Corrupt-Format at load, got %v", err)
	}
}

func TestConfigFromAMBErrors(t *testing.T) {
	t.Parallel()

	badArch := tinyConfig()
	badArch.Architecture = "rwkv"
	badAct := tinyConfig()
	badAct.Activation = "mish"
	badHeads := tinyConfig()
	badHeads.NumKVHeads = 3
	hugeCtx := tinyConfig()
	hugeCtx.MaxSeqLen = 1 << 50
	hugeLayers := tinyConfig()
	hugeLayers.MaxSeqLen = 1 << 20
	hugeLayers.NumLayers = 1 << 40

	tests := []struct {
		name string
		cfg  amb.Config
		want error
	}{
		{"arch", badArch, ErrUnsupportedArch},
		{"activation", badAct, ErrUnsupportedActivation},
		{"heads", badHeads, amb.ErrCorruptFile},
		{"max_seq_len", hugeCtx, amb.ErrCorruptFile},
		{"cache overflow", hugeLayers, amb.ErrCorruptFile},
	}
	for _, tt := range tests {
		_, err := ConfigFromAMB(tt.cfg)
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: got %v want %v", tt.name, err, tt.want)
		}
	}
	if _, err := ConfigFromAMB(badArch); !errors.Is(err, weights.ErrNotFound) {
		t.Fatalf("unsupported arch should be Not-Found, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	raw := tinyConfig()
	raw.Architecture = "Phi"
	raw.NumKVHeads = 0
	raw.FFNDim = 0
	raw.Rope.FreqBase = 0
	cfg, err := ConfigFromAMB(raw)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Norm != NormLayer || cfg.NumKVHeads != 4 || cfg.FFNDim != 64 || cfg.HeadDim != 4 || cfg.Rope.FreqBase != 10000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadDetectsFormats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	if _, err := Load(write("m.gguf", []byte("GGUF\x03"))); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("gguf extension: got %v", err)
	}
	if _, err := Load(write("noext", []byte("GGUF\x03\x00\x00\x00\x00"))); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("gguf magic: got %v", err)
	}
	if _, err := Load(write("model.onnx", []byte{0x08})); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("onnx extension: got %v", err)
	}
	if _, err := Load(write("garbage.bin", []byte("not a model at all"))); !errors.Is(err, amb.ErrInvalidMagic) {
		t.Fatalf("unknown magic: got %v", err)
	}

	w, err := Synthesize(SynthOptions{Config: tinyConfig(), Metadata: amb.Metadata{Name: "disk"}, Seed: 3})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	path := filepath.Join(dir, "tiny.amb")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("write model: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { _ = m.Close() }()
	sum := m.Summary()
	if sum.Name != "disk" || sum.Layers != 2 || sum.KVHeads != 2 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestNewStateWithCacheResetsOrReplaces(t *testing.T) {
	t.Parallel()

	m := buildModel(t, tinyConfig(), weights.QuantSpec{})
	s, err := m.NewState()
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if _, err := s.Prefill(context.Background(), []int{1, 2, 3}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	reused, err := m.NewStateWithCache(s.Cache())
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if reused.Cache() != s.Cache() || reused.Pos() != 0 {
		t.Fatalf("compatible cache should be reset and reused")
	}

	foreign, err := kvcache.New(kvcache.Config{Layers: 1, MaxSeqLen: 4, KVHeads: 1, HeadDim: 2})
	if err != nil {
		t.Fatalf("foreign cache: %v", err)
	}
	replaced, err := m.NewStateWithCache(foreign)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.Cache() == foreign || !replaced.Cache().Compatible(m.Config.CacheConfig()) {
		t.Fatalf("incompatible cache should be replaced")
	}
}
