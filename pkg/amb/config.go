package amb

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Metadata is the descriptive JSON section. It never affects inference.
type Metadata struct {
	Name        string            `json:"name,omitempty"`
	Family      string            `json:"family,omitempty"`
	Creator     string            `json:"creator,omitempty"`
	License     string            `json:"license,omitempty"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RopeConfig holds rotary embedding parameters.
type RopeConfig struct {
	Enabled  bool    `json:"enabled"`
	FreqBase float64 `json:"freq_base,omitempty"`
	Scaling  float64 `json:"scaling,omitempty"`
}

// QuantConfig is the model's declared quantization descriptor.
type QuantConfig struct {
	Type      string `json:"type,omitempty"`
	BlockSize int    `json:"block_size,omitempty"`
}

// Config is the raw model configuration section. Interpretation (defaults,
// validation) lives with the model loader.
type Config struct {
	Architecture  string      `json:"architecture"`
	VocabSize     int         `json:"vocab_size"`
	EmbeddingDim  int         `json:"embedding_dim"`
	NumLayers     int         `json:"n_layers"`
	NumHeads      int         `json:"n_heads"`
	NumKVHeads    int         `json:"n_kv_heads,omitempty"`
	FFNDim        int         `json:"ffn_dim,omitempty"`
	MaxSeqLen     int         `json:"max_seq_len"`
	Rope          RopeConfig  `json:"rope"`
	Activation    string      `json:"activation"`
	Norm          string      `json:"norm,omitempty"`
	NormEps       float64     `json:"norm_eps,omitempty"`
	TieEmbeddings bool        `json:"tie_embeddings,omitempty"`
	Quantization  QuantConfig `json:"quantization"`
}

func decodeJSONSection(name string, raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return corruptf("empty %s section", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return corruptf("%s section: %v", name, err)
	}
	return nil
}

// ParseConfig decodes a config section payload.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := decodeJSONSection("config", raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseMetadata decodes a metadata section payload.
func ParseMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if err := decodeJSONSection("metadata", raw, &md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}
