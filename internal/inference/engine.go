// Package inference runs the generation loop over a loaded model: prompt
// encoding, prefill with cache reuse, sampling, and streaming of decoded
// tokens to a caller-supplied sink.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/metrics"
	"github.com/embee-go/embee/internal/model"
	"github.com/embee-go/embee/internal/tokenizer"
)

// Engine serves generations over one model. Its default session backs
// Generate, GenerateStream and Logits; NewSession hands out independent
// ones sharing the same weights.
type Engine struct {
	mu sync.Mutex

	factory  RunnerFactory
	tok      tokenizer.Tokenizer
	defaults GenerationConfig
	log      logger.Logger
	metrics  *metrics.Metrics
	model    *model.Model

	session  *Session
	sessions []*Session
	closer   func() error
	closed   bool
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDefaults replaces the configuration Defaults returns.
func WithDefaults(cfg GenerationConfig) Option {
	return func(e *Engine) { e.defaults = cfg }
}

// New builds an engine over runners from factory.
func New(factory RunnerFactory, tok tokenizer.Tokenizer, opts ...Option) (*Engine, error) {
	if factory == nil {
		return nil, fmt.Errorf("runner factory is required")
	}
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	e := &Engine{
		factory:  factory,
		tok:      tok,
		defaults: DefaultGenerationConfig(),
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default generation config: %w", err)
	}
	return e, nil
}

// FromModel builds an engine over m using the tokenizer stored with it.
// The engine does not take ownership of m.
func FromModel(m *model.Model, opts ...Option) (*Engine, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	tok, err := tokenizer.FromSection(m.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.VocabSize() > m.Config.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d pieces, model vocabulary is %d", tok.VocabSize(), m.Config.VocabSize)
	}
	factory := func() (Runner, error) {
		st, err := m.NewState()
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	e, err := New(factory, tok, opts...)
	if err != nil {
		return nil, err
	}
	e.model = m
	return e, nil
}

func (e *Engine) Defaults() GenerationConfig { return e.defaults }

func (e *Engine) Tokenizer() tokenizer.Tokenizer { return e.tok }

// Model is nil for engines built with New.
func (e *Engine) Model() *model.Model { return e.model }

// NewSession starts an independent session with its own cache. It is
// closed along with the engine.
func (e *Engine) NewSession() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newSessionLocked()
}

func (e *Engine) newSessionLocked() (*Session, error) {
	if e.closed {
		return nil, ErrClosed
	}
	r, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s := newSession(r, e.tok, e.log, e.metrics)
	e.sessions = append(e.sessions, s)
	e.log.Debug("session opened", "session", s.ID(), "capacity", r.Capacity())
	return s, nil
}

// Session returns the default session, creating it on first use.
func (e *Engine) Session() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && !e.closed {
		return e.session, nil
	}
	s, err := e.newSessionLocked()
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

// Generate runs prompt to completion and returns the produced text.
func (e *Engine) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (*Result, error) {
	return e.GenerateStream(ctx, prompt, cfg, nil)
}

// GenerateStream is Generate with every produced token passed to sink.
func (e *Engine) GenerateStream(ctx context.Context, prompt string, cfg GenerationConfig, sink Sink) (*Result, error) {
	s, err := e.Session()
	if err != nil {
		return nil, err
	}
	return s.Generate(ctx, prompt, cfg, sink)
}

// Logits returns the next-token logits after prompt.
func (e *Engine) Logits(ctx context.Context, prompt string, cfg GenerationConfig) ([]float32, error) {
	s, err := e.Session()
	if err != nil {
		return nil, err
	}
	return s.Logits(ctx, prompt, cfg)
}

// Close closes every session and, for engines from Loader, the model.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for _, s := range e.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.sessions = nil
	e.session = nil
	if e.closer != nil {
		if err := e.closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
