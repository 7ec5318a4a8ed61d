package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/embee-go/embee/internal/kvcache"
	"github.com/embee-go/embee/internal/logger"
	"github.com/embee-go/embee/internal/tokenizer"
	"github.com/embee-go/embee/pkg/amb"
)

// scriptRunner returns logits peaking at script[step], where step counts
// forward calls since the last prefill began. Past the end of the script it
// repeats the final entry. A nil script returns fixed.
type scriptRunner struct {
	vocab    int
	script   []int
	fixed    []float32
	capacity int

	pos      int
	step     int
	prefills [][]int
	decodes  []int
	resets   int
}

func (r *scriptRunner) out() []float32 {
	if r.script == nil {
		return slices.Clone(r.fixed)
	}
	id := r.script[min(r.step, len(r.script)-1)]
	l := make([]float32, r.vocab)
	l[id] = 10
	return l
}

func (r *scriptRunner) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	if r.pos+len(tokens) > r.capacity {
		return nil, kvcache.ErrCapacityExceeded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.prefills = append(r.prefills, slices.Clone(tokens))
	r.pos += len(tokens)
	r.step = 0
	return r.out(), nil
}

func (r *scriptRunner) Decode(tok int) ([]float32, error) {
	if r.pos >= r.capacity {
		return nil, kvcache.ErrCapacityExceeded
	}
	r.decodes = append(r.decodes, tok)
	r.pos++
	r.step++
	return r.out(), nil
}

func (r *scriptRunner) Pos() int      { return r.pos }
func (r *scriptRunner) Capacity() int { return r.capacity }
func (r *scriptRunner) Truncate(n int) {
	if n < r.pos {
		r.pos = n
	}
}
func (r *scriptRunner) Reset() { r.pos = 0; r.resets++ }

// letters builds a byte tokenizer over "a", "b", ... with optional EOS as
// the last id.
func letters(t *testing.T, n int, withEOS bool) tokenizer.Tokenizer {
	t.Helper()
	ts := &amb.TokenizerSection{Type: amb.TokenizerByte, Special: amb.NoSpecialTokens()}
	for i := range n {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: string(rune('a' + i))})
	}
	if withEOS {
		ts.Special.EOS = uint16(len(ts.Vocab))
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: "</s>"})
	}
	tok, err := tokenizer.FromSection(ts)
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	return tok
}

func newTestSession(t *testing.T, r Runner, tok tokenizer.Tokenizer) *Session {
	t.Helper()
	s := newSession(r, tok, logger.Discard(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func greedy(maxTokens int) GenerationConfig {
	return GenerationConfig{
		MaxTokens:         maxTokens,
		Temperature:       0,
		TopP:              1,
		RepetitionPenalty: 1,
		UseCache:          true,
		Seed:              1,
	}
}

type delivered struct {
	ids  []int
	text strings.Builder
}

func (d *delivered) sink(limit int) Sink {
	return func(id int, text string) bool {
		d.ids = append(d.ids, id)
		d.text.WriteString(text)
		return limit <= 0 || len(d.ids) < limit
	}
}

func TestFixedLogitsGreedyScenario(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{fixed: []float32{0.1, 0.9, 0.2, 0.05}, capacity: 64}
	s := newTestSession(t, r, letters(t, 4, false))

	var got delivered
	res, err := s.Generate(context.Background(), "ab", greedy(5), got.sink(0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if want := []int{1, 1, 1, 1, 1}; !slices.Equal(got.ids, want) {
		t.Fatalf("sink ids: got %v want %v", got.ids, want)
	}
	if res.Stop != StopMaxLength {
		t.Fatalf("stop: got %s want max_length", res.Stop)
	}
	if res.Text != "bbbbb" || got.text.String() != "bbbbb" {
		t.Fatalf("text: result %q streamed %q", res.Text, got.text.String())
	}
	if res.Stats.TokensGenerated != 5 || len(r.decodes) != 5 {
		t.Fatalf("generated %d, decodes %d", res.Stats.TokensGenerated, len(r.decodes))
	}
	if s.Phase() != PhaseStopped || s.LastStop() != StopMaxLength {
		t.Fatalf("phase %s last %s", s.Phase(), s.LastStop())
	}
}

func TestEOSIsNeverDelivered(t *testing.T) {
	t.Parallel()

	tok := letters(t, 4, true)
	eos, _ := tok.EOS()
	r := &scriptRunner{vocab: 5, script: []int{0, 1, 2, eos}, capacity: 64}
	s := newTestSession(t, r, tok)

	var got delivered
	res, err := s.Generate(context.Background(), "d", greedy(100), got.sink(0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopEOS {
		t.Fatalf("stop: got %s want eos", res.Stop)
	}
	if !slices.Equal(got.ids, []int{0, 1, 2}) || slices.Contains(res.Tokens, eos) {
		t.Fatalf("delivered %v tokens %v", got.ids, res.Tokens)
	}
	if len(r.decodes) != 3 {
		t.Fatalf("decodes: got %d want 3", len(r.decodes))
	}
	if res.Text != "abc" {
		t.Fatalf("text %q", res.Text)
	}
}

func TestMaxTokensExactSinkCalls(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			t.Parallel()
			r := &scriptRunner{vocab: 5, script: []int{2}, capacity: 64}
			s := newTestSession(t, r, letters(t, 4, true))
			var got delivered
			res, err := s.Generate(context.Background(), "a", greedy(n), got.sink(0))
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if len(got.ids) != n || res.Stop != StopMaxLength {
				t.Fatalf("sink calls %d stop %s", len(got.ids), res.Stop)
			}
		})
	}
}

func TestSinkCancelStopsBeforeNextDecode(t *testing.T) {
	t.Parallel()

	const k = 3
	r := &scriptRunner{vocab: 4, script: []int{0, 1, 2, 3}, capacity: 64}
	s := newTestSession(t, r, letters(t, 4, false))

	var got delivered
	res, err := s.Generate(context.Background(), "a", greedy(50), got.sink(k))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopCancelled {
		t.Fatalf("stop: got %s want cancelled", res.Stop)
	}
	if len(got.ids) != k || len(r.decodes) != k {
		t.Fatalf("delivered %d decodes %d, want %d", len(got.ids), len(r.decodes), k)
	}
	if res.Stats.TokensGenerated != k {
		t.Fatalf("counter %d", res.Stats.TokensGenerated)
	}
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{vocab: 4, script: []int{1}, capacity: 64}
	s := newTestSession(t, r, letters(t, 4, false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Generate(ctx, "ab", greedy(10), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopCancelled || len(res.Tokens) != 0 {
		t.Fatalf("stop %s tokens %v", res.Stop, res.Tokens)
	}

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	res, err = s.Generate(ctx, "ab", greedy(10), func(int, string) bool {
		cancel()
		return true
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopCancelled || len(res.Tokens) != 1 {
		t.Fatalf("stop %s tokens %v", res.Stop, res.Tokens)
	}
}

func TestContextFull(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{vocab: 4, script: []int{3}, capacity: 6}
	s := newTestSession(t, r, letters(t, 4, false))

	var got delivered
	res, err := s.Generate(context.Background(), "ab", greedy(100), got.sink(0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopContextFull {
		t.Fatalf("stop: got %s want context_full", res.Stop)
	}
	if len(got.ids) != 4 || r.Pos() != 6 {
		t.Fatalf("delivered %d pos %d", len(got.ids), r.Pos())
	}

	_, err = s.Generate(context.Background(), "abcdabc", greedy(1), nil)
	if !errors.Is(err, kvcache.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded for long prompt, got %v", err)
	}
}

func TestContinuationReusesCachedPrefix(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{fixed: []float32{0, 1, 0, 0}, capacity: 64}
	s := newTestSession(t, r, letters(t, 4, false))

	res, err := s.Generate(context.Background(), "ab", greedy(2), nil)
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if res.Text != "bb" || !slices.Equal(s.Context(), []int{0, 1, 1, 1}) {
		t.Fatalf("text %q context %v", res.Text, s.Context())
	}

	// The new prompt extends everything cached so far.
	res, err = s.Generate(context.Background(), "abbbc", greedy(1), nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if res.Stats.ReusedTokens != 4 {
		t.Fatalf("reused %d, want 4", res.Stats.ReusedTokens)
	}
	if last := r.prefills[len(r.prefills)-1]; !slices.Equal(last, []int{2}) {
		t.Fatalf("prefilled %v, want [2]", last)
	}

	// A diverging prompt rewinds to the shared prefix.
	res, err = s.Generate(context.Background(), "ac", greedy(1), nil)
	if err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if res.Stats.ReusedTokens != 1 {
		t.Fatalf("reused %d, want 1", res.Stats.ReusedTokens)
	}

	// An identical prompt still recomputes its last token.
	_, err = s.Generate(context.Background(), "ac", greedy(0), nil)
	if err != nil {
		t.Fatalf("repeat turn: %v", err)
	}
	if last := r.prefills[len(r.prefills)-1]; !slices.Equal(last, []int{2}) {
		t.Fatalf("prefilled %v, want [2]", last)
	}

	cfg := greedy(1)
	cfg.UseCache = false
	resets := r.resets
	res, err = s.Generate(context.Background(), "acb", cfg, nil)
	if err != nil {
		t.Fatalf("uncached turn: %v", err)
	}
	if res.Stats.ReusedTokens != 0 || r.resets == resets {
		t.Fatalf("uncached turn reused %d resets %d", res.Stats.ReusedTokens, r.resets)
	}
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	t.Parallel()

	cfg := GenerationConfig{MaxTokens: 12, Temperature: 1, TopP: 0.95, RepetitionPenalty: 1, Seed: 7}
	run := func() []int {
		r := &scriptRunner{fixed: []float32{1, 1.1, 0.9, 1.05}, capacity: 64}
		s := newTestSession(t, r, letters(t, 4, false))
		res, err := s.Generate(context.Background(), "a", cfg, nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return res.Tokens
	}
	a, b := run(), run()
	if !slices.Equal(a, b) {
		t.Fatalf("same seed, different tokens: %v vs %v", a, b)
	}
}

func TestAddBOS(t *testing.T) {
	t.Parallel()

	ts := &amb.TokenizerSection{Type: amb.TokenizerByte, Special: amb.NoSpecialTokens()}
	ts.Vocab = []amb.VocabEntry{{Piece: "<s>"}, {Piece: "a"}}
	ts.Special.BOS = 0
	tok, err := tokenizer.FromSection(ts)
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	r := &scriptRunner{fixed: []float32{0, 1}, capacity: 16}
	s := newTestSession(t, r, tok)

	cfg := greedy(0)
	cfg.AddBOS = true
	if _, err := s.Generate(context.Background(), "a", cfg, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !slices.Equal(r.prefills[0], []int{0, 1}) {
		t.Fatalf("prefill %v, want BOS first", r.prefills[0])
	}

	// BOS alone is a valid prompt.
	cfg.UseCache = false
	if _, err := s.Generate(context.Background(), "", cfg, nil); err != nil {
		t.Fatalf("empty prompt with BOS: %v", err)
	}
	cfg.AddBOS = false
	if _, err := s.Generate(context.Background(), "", cfg, nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

type panicTokenizer struct{ tokenizer.Tokenizer }

func (panicTokenizer) Encode(string) ([]int, error) { panic("boom") }

func TestEncodePanicBecomesError(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{fixed: []float32{1}, capacity: 8}
	s := newTestSession(t, r, panicTokenizer{letters(t, 1, false)})
	_, err := s.Generate(context.Background(), "a", greedy(1), nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Encode") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestLogitsReturnsCopy(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{fixed: []float32{0.1, 0.9, 0.2, 0.05}, capacity: 8}
	s := newTestSession(t, r, letters(t, 4, false))
	out, err := s.Logits(context.Background(), "abc", greedy(0))
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	out[1] = -1
	again, err := s.Logits(context.Background(), "abc", greedy(0))
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	if again[1] != 0.9 {
		t.Fatalf("caller mutation leaked: %v", again)
	}
}

func TestClosedSession(t *testing.T) {
	t.Parallel()

	s := newSession(&scriptRunner{fixed: []float32{1}, capacity: 8}, letters(t, 1, false), logger.Discard(), nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Generate(context.Background(), "a", greedy(1), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHeldBackBytesAreFlushedAtStop(t *testing.T) {
	t.Parallel()

	ts := &amb.TokenizerSection{Type: amb.TokenizerByte, Special: amb.NoSpecialTokens()}
	for _, p := range []string{"a", "\xe2", "\x82", "\xac"} {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: p})
	}
	tok, err := tokenizer.FromSection(ts)
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	// "€" then the first byte of another one before the limit hits.
	r := &scriptRunner{vocab: 4, script: []int{1, 2, 3, 1}, capacity: 64}
	s := newTestSession(t, r, tok)

	var got delivered
	res, err := s.Generate(context.Background(), "a", greedy(4), got.sink(0))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stop != StopMaxLength || res.Stats.TokensGenerated != 4 {
		t.Fatalf("stop %s after %d tokens", res.Stop, res.Stats.TokensGenerated)
	}
	if res.Text != "€\xe2" {
		t.Fatalf("result text %q", res.Text)
	}
	if got.text.String() != res.Text {
		t.Fatalf("streamed %q, result %q", got.text.String(), res.Text)
	}
	want := []int{1, 2, 3, 1, FlushToken}
	if !slices.Equal(got.ids, want) {
		t.Fatalf("sink ids %v want %v", got.ids, want)
	}
}

func TestSinkMayInspectSession(t *testing.T) {
	t.Parallel()

	r := &scriptRunner{vocab: 3, script: []int{0, 1, 2}, capacity: 64}
	s := newTestSession(t, r, letters(t, 3, false))

	var phases []Phase
	var lens []int
	done := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background(), "ab", greedy(3), func(int, string) bool {
			phases = append(phases, s.Phase())
			lens = append(lens, len(s.Context()))
			_ = s.LastStop()
			return true
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sink calling back into the session blocked")
	}
	if !slices.Equal(lens, []int{3, 4, 5}) {
		t.Fatalf("context lengths seen by sink: %v", lens)
	}
	for _, p := range phases {
		if p != PhaseDecoding {
			t.Fatalf("phase seen by sink: %s", p)
		}
	}
	if s.Phase() != PhaseStopped || s.LastStop() != StopMaxLength {
		t.Fatalf("after: phase %s stop %s", s.Phase(), s.LastStop())
	}
}

func TestTrimPartialRune(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"h\xc3", "h"},
		{"h\xc3\xa9", "hé"},
		{"\xe2\x82", ""},
		{"x\xe2\x82\xac", "x€"},
	}
	for _, tt := range tests {
		if got := trimPartialRune(tt.in); got != tt.want {
			t.Errorf("trimPartialRune(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
