package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/metrics"
	"github.com/embee-go/embee/internal/model"
	"github.com/embee-go/embee/internal/tokenizer"
)

// Loader opens a model file and builds an engine that owns it.
type Loader struct {
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Defaults *GenerationConfig
}

type LoadResult struct {
	Engine    *Engine
	Model     *model.Model
	Tokenizer tokenizer.Tokenizer
	Summary   model.Summary
	Duration  time.Duration
}

func (l Loader) Load(modelPath string) (*LoadResult, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	log := l.Logger
	if log == nil {
		log = logger.Default()
	}

	start := time.Now()
	m, err := model.Load(modelPath)
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) (*LoadResult, error) {
		_ = m.Close()
		return nil, err
	}

	opts := []Option{WithLogger(log), WithMetrics(l.Metrics)}
	if l.Defaults != nil {
		opts = append(opts, WithDefaults(*l.Defaults))
	}
	engine, err := FromModel(m, opts...)
	if err != nil {
		return cleanup(err)
	}
	engine.closer = m.Close

	elapsed := time.Since(start)
	summary := m.Summary()
	l.Metrics.ObserveLoad(elapsed, summary.WeightBytes)
	log.Info("model loaded",
		"path", modelPath,
		"name", summary.Name,
		"architecture", string(summary.Architecture),
		"layers", summary.Layers,
		"heads", summary.Heads,
		"kv_heads", summary.KVHeads,
		"embedding", summary.EmbeddingDim,
		"tensors", summary.Tensors,
		"duration", elapsed,
	)

	return &LoadResult{
		Engine:    engine,
		Model:     m,
		Tokenizer: engine.Tokenizer(),
		Summary:   summary,
		Duration:  elapsed,
	}, nil
}
