package inference

import (
	"fmt"
	"math"
)

// GenerationConfig controls one generation.
type GenerationConfig struct {
	// MaxTokens caps the tokens delivered to the sink.
	MaxTokens int
	// Temperature 0 selects greedy decoding.
	Temperature       float32
	TopP              float32
	RepetitionPenalty float32
	// RepeatLastN bounds the penalty window; 0 covers the whole context.
	RepeatLastN int
	// UseCache keeps the KV cache between calls so a prompt that extends
	// the previous context only prefills its new suffix.
	UseCache bool
	// Seed for the sampler; negative picks one from the clock.
	Seed int64
	// AddBOS prepends the tokenizer's BOS id to a fresh context.
	AddBOS bool
}

// DefaultGenerationConfig returns the engine defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxTokens:         512,
		Temperature:       0.8,
		TopP:              0.9,
		RepetitionPenalty: 1.1,
		UseCache:          true,
		Seed:              -1,
		AddBOS:            true,
	}
}

// Validate rejects values the sampler cannot interpret.
func (c GenerationConfig) Validate() error {
	switch {
	case c.MaxTokens < 0:
		return fmt.Errorf("max tokens must be >= 0, got %d", c.MaxTokens)
	case c.Temperature < 0 || math.IsNaN(float64(c.Temperature)):
		return fmt.Errorf("temperature must be >= 0, got %v", c.Temperature)
	case c.TopP < 0 || c.TopP > 1 || math.IsNaN(float64(c.TopP)):
		return fmt.Errorf("top_p must be in [0, 1], got %v", c.TopP)
	case c.RepetitionPenalty <= 0 || math.IsNaN(float64(c.RepetitionPenalty)):
		return fmt.Errorf("repetition penalty must be > 0, got %v", c.RepetitionPenalty)
	case c.RepeatLastN < 0:
		return fmt.Errorf("repeat-last-n must be >= 0, got %d", c.RepeatLastN)
	}
	return nil
}

// Options overrides individual fields of a GenerationConfig. Nil fields keep
// the default.
type Options struct {
	MaxTokens         *int
	Temperature       *float32
	TopP              *float32
	RepetitionPenalty *float32
	RepeatLastN       *int
	UseCache          *bool
	Seed              *int64
	AddBOS            *bool
}

// Resolve applies opts on top of defaults.
func Resolve(opts Options, defaults GenerationConfig) GenerationConfig {
	cfg := defaults
	if opts.MaxTokens != nil {
		cfg.MaxTokens = *opts.MaxTokens
	}
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		cfg.TopP = *opts.TopP
	}
	if opts.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.RepeatLastN != nil {
		cfg.RepeatLastN = *opts.RepeatLastN
	}
	if opts.UseCache != nil {
		cfg.UseCache = *opts.UseCache
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.AddBOS != nil {
		cfg.AddBOS = *opts.AddBOS
	}
	return cfg
}
