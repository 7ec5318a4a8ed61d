package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/embee-go/embee/internal/kvcache"
	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/logits"
	"github.com/embee-go/embee/internal/metrics"
	"github.com/embee-go/embee/internal/tokenizer"
)

// Session is one conversation: a runner with its KV cache and the token
// history the cache holds. Calls on a session are serialised.
//
// Phase, LastStop and Context do not wait for a running generation, so a
// Sink may call them.
type Session struct {
	mu sync.Mutex
	// view guards history, phase and last for readers outside mu. Writers
	// hold both.
	view sync.RWMutex

	id      string
	runner  Runner
	tok     tokenizer.Tokenizer
	log     logger.Logger
	metrics *metrics.Metrics

	// history[i] is the token at cache position i.
	history    []int
	phase      Phase
	last       StopReason
	cacheBytes int64
	closed     bool
}

func newSession(r Runner, tok tokenizer.Tokenizer, log logger.Logger, m *metrics.Metrics) *Session {
	s := &Session{
		id:      uuid.NewString(),
		runner:  r,
		tok:     tok,
		metrics: m,
	}
	s.log = log.With("session", s.id)
	if cb, ok := r.(interface{ CacheBytes() int64 }); ok {
		s.cacheBytes = cb.CacheBytes()
		m.AddCacheBytes(s.cacheBytes)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Phase reports where the session is in its state machine.
func (s *Session) Phase() Phase {
	s.view.RLock()
	defer s.view.RUnlock()
	return s.phase
}

// LastStop is the stop reason of the most recent generation.
func (s *Session) LastStop() StopReason {
	s.view.RLock()
	defer s.view.RUnlock()
	return s.last
}

// Context returns a copy of the tokens currently held in the cache.
func (s *Session) Context() []int {
	s.view.RLock()
	defer s.view.RUnlock()
	return append([]int(nil), s.history...)
}

// Reset drops the cached context.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner.Reset()
	s.setHistory(s.history[:0])
	s.setPhase(PhaseIdle)
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.runner.Reset()
	s.setHistory(nil)
	s.metrics.AddCacheBytes(-s.cacheBytes)
	return nil
}

// Generate runs prompt through the model and samples until EOS, the token
// limit, a full context, cancellation of ctx, or the sink asking to stop.
// The EOS token is never delivered. A nil sink receives nothing.
func (s *Session) Generate(ctx context.Context, prompt string, cfg GenerationConfig, sink Sink) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	ids, err := s.encodePrompt(prompt, cfg.AddBOS)
	if err != nil {
		return nil, err
	}
	reused := s.prepare(ids, cfg.UseCache)

	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	s.log.Debug("generation started",
		"prompt_tokens", len(ids),
		"reused_tokens", reused,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature,
		"top_p", cfg.TopP,
		"seed", seed,
	)

	res := &Result{Stats: Stats{PromptTokens: len(ids), ReusedTokens: reused}}
	defer func() {
		res.Stats.Duration = time.Since(start)
		if secs := res.Stats.DecodeDuration.Seconds(); secs > 0 {
			res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
		}
	}()

	logitsVec, err := s.prefill(ctx, ids, reused, &res.Stats)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(res, StopCancelled)
			return res, nil
		}
		s.fail()
		return nil, err
	}

	sampler := logits.NewSampler(logits.Config{
		Temperature:       cfg.Temperature,
		TopP:              cfg.TopP,
		RepetitionPenalty: cfg.RepetitionPenalty,
		RepeatLastN:       cfg.RepeatLastN,
	}, rand.New(rand.NewSource(seed)))
	eos, hasEOS := s.tok.EOS()

	s.setPhase(PhaseDecoding)
	var emitted strings.Builder
	decodeStart := time.Now()
	defer func() { res.Stats.DecodeDuration = time.Since(decodeStart) }()

	for {
		if res.Stats.TokensGenerated >= cfg.MaxTokens {
			s.finish(res, StopMaxLength)
			break
		}
		if ctx.Err() != nil {
			s.finish(res, StopCancelled)
			break
		}
		if s.runner.Pos() >= s.runner.Capacity() {
			s.finish(res, StopContextFull)
			break
		}

		next := sampler.Sample(logitsVec, s.history)
		if hasEOS && next == eos {
			s.finish(res, StopEOS)
			break
		}
		s.setHistory(append(s.history, next))
		res.Tokens = append(res.Tokens, next)

		stepStart := time.Now()
		logitsVec, err = s.runner.Decode(next)
		if err != nil {
			if errors.Is(err, kvcache.ErrCapacityExceeded) {
				s.setHistory(s.history[:s.runner.Pos()])
				res.Tokens = res.Tokens[:len(res.Tokens)-1]
				s.finish(res, StopContextFull)
				break
			}
			s.fail()
			return nil, fmt.Errorf("decode step %d: %w", res.Stats.TokensGenerated, err)
		}
		s.metrics.ObserveStep(metrics.StepDecode, time.Since(stepStart))

		delta, err := s.delta(res.Tokens, &emitted)
		if err != nil {
			s.fail()
			return nil, err
		}
		keepGoing := sink == nil || sink(next, delta)
		res.Stats.TokensGenerated++
		s.metrics.AddGenerated(1)
		if !keepGoing {
			s.finish(res, StopCancelled)
			break
		}
	}

	text, err := safeDecode(s.tok, res.Tokens)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	res.Text = text
	// Release bytes held back for a rune that never completed.
	if tail, ok := strings.CutPrefix(text, emitted.String()); ok && tail != "" && sink != nil {
		sink(FlushToken, tail)
	}
	return res, nil
}

// Logits returns a copy of the next-token logits after prompt.
func (s *Session) Logits(ctx context.Context, prompt string, cfg GenerationConfig) ([]float32, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids, err := s.encodePrompt(prompt, cfg.AddBOS)
	if err != nil {
		return nil, err
	}
	reused := s.prepare(ids, cfg.UseCache)
	var stats Stats
	out, err := s.prefill(ctx, ids, reused, &stats)
	if err != nil {
		if ctx.Err() == nil {
			s.fail()
		}
		return nil, err
	}
	s.setPhase(PhaseStopped)
	return append([]float32(nil), out...), nil
}

func (s *Session) encodePrompt(prompt string, addBOS bool) ([]int, error) {
	ids, err := safeEncode(s.tok, prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if bos, ok := s.tok.BOS(); ok && addBOS && (len(ids) == 0 || ids[0] != bos) {
		ids = append([]int{bos}, ids...)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyPrompt
	}
	if len(ids) > s.runner.Capacity() {
		return nil, fmt.Errorf("%w: prompt of %d tokens, capacity %d",
			kvcache.ErrCapacityExceeded, len(ids), s.runner.Capacity())
	}
	return ids, nil
}

// prepare rewinds the cache to the longest prefix it shares with ids and
// returns that length. At least one token is always left to prefill so
// fresh logits exist.
func (s *Session) prepare(ids []int, useCache bool) int {
	if len(s.history) != s.runner.Pos() {
		// History and cache disagree after an earlier failure.
		s.runner.Reset()
		s.setHistory(s.history[:0])
	}
	if !useCache {
		s.runner.Reset()
		s.setHistory(s.history[:0])
		return 0
	}
	n := commonPrefix(s.history, ids)
	n = min(n, len(ids)-1)
	if n < len(s.history) {
		s.log.Debug("context diverged, rewinding cache", "cached", len(s.history), "kept", n)
	}
	s.runner.Truncate(n)
	s.setHistory(s.history[:n])
	return n
}

func (s *Session) prefill(ctx context.Context, ids []int, reused int, stats *Stats) ([]float32, error) {
	s.setPhase(PhasePrefilling)
	fresh := ids[reused:]
	stepStart := time.Now()
	out, err := s.runner.Prefill(ctx, fresh)
	// A cancelled prefill leaves the positions it finished in the cache.
	s.setHistory(append(s.history, ids[reused:s.runner.Pos()]...))
	if err != nil {
		return nil, err
	}
	stats.PrefillDuration = time.Since(stepStart)
	s.metrics.ObserveStep(metrics.StepPrefill, stats.PrefillDuration)
	s.metrics.AddPrompt(len(fresh))
	return out, nil
}

func (s *Session) finish(res *Result, reason StopReason) {
	s.view.Lock()
	s.phase = PhaseStopped
	s.last = reason
	s.view.Unlock()
	res.Stop = reason
	s.metrics.Stopped(reason.String(), s.runner.Pos())
	s.log.Info("generation stopped",
		"reason", reason.String(),
		"prompt_tokens", res.Stats.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"context", s.runner.Pos(),
	)
}

func (s *Session) setHistory(h []int) {
	s.view.Lock()
	s.history = h
	s.view.Unlock()
}

func (s *Session) setPhase(p Phase) {
	s.view.Lock()
	s.phase = p
	s.view.Unlock()
}

// fail drops the context after an error so the next call starts clean.
func (s *Session) fail() {
	s.runner.Reset()
	s.setHistory(s.history[:0])
	s.setPhase(PhaseStopped)
}

// delta returns the text tokens adds beyond what was already emitted. A
// trailing incomplete UTF-8 sequence is held back until it completes.
func (s *Session) delta(tokens []int, emitted *strings.Builder) (string, error) {
	full, err := safeDecode(s.tok, tokens)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	full = trimPartialRune(full)
	done := emitted.Len()
	if len(full) <= done || !strings.HasPrefix(full, emitted.String()) {
		return "", nil
	}
	out := full[done:]
	emitted.WriteString(out)
	return out, nil
}

func trimPartialRune(s string) string {
	for i := 1; i <= utf8.UTFMax && i <= len(s); i++ {
		b := s[len(s)-i]
		if utf8.RuneStart(b) {
			if !utf8.FullRuneInString(s[len(s)-i:]) {
				return s[:len(s)-i]
			}
			return s
		}
	}
	return s
}

func commonPrefix(a, b []int) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids)
}
