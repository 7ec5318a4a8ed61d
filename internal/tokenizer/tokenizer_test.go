package tokenizer

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/embee-go/embee/pkg/amb"
)

func section(typ amb.TokenizerType, pieces ...string) *amb.TokenizerSection {
	ts := &amb.TokenizerSection{Type: typ, Special: amb.NoSpecialTokens()}
	for _, p := range pieces {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: p})
	}
	return ts
}

func mustTokenizer(t *testing.T, ts *amb.TokenizerSection) Tokenizer {
	t.Helper()
	// Go through the wire form so the section is what a file would hold.
	parsed, err := amb.ParseTokenizer(ts.AppendTo(nil))
	if err != nil {
		t.Fatalf("parse section: %v", err)
	}
	tok, err := FromSection(parsed)
	if err != nil {
		t.Fatalf("from section: %v", err)
	}
	return tok
}

func mustEncode(t *testing.T, tok Tokenizer, text string) []int {
	t.Helper()
	ids, err := tok.Encode(text)
	if err != nil {
		t.Fatalf("encode %q: %v", text, err)
	}
	return ids
}

func mustDecode(t *testing.T, tok Tokenizer, ids []int) string {
	t.Helper()
	s, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("decode %v: %v", ids, err)
	}
	return s
}

func TestByteTokenizer(t *testing.T) {
	t.Parallel()

	ts := section(amb.TokenizerByte)
	for b := range 256 {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: string([]byte{byte(b)})})
	}
	ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: "<s>"}, amb.VocabEntry{Piece: "</s>"})
	ts.Special.BOS, ts.Special.EOS = 256, 257
	tok := mustTokenizer(t, ts)

	text := "hi\xff!"
	ids := mustEncode(t, tok, text)
	if want := []int{'h', 'i', 0xff, '!'}; !slices.Equal(ids, want) {
		t.Fatalf("ids: got %v want %v", ids, want)
	}
	if got := mustDecode(t, tok, append([]int{256}, append(ids, 257)...)); got != text {
		t.Fatalf("decode: got %q want %q", got, text)
	}
	if bos, ok := tok.BOS(); !ok || bos != 256 {
		t.Fatalf("bos: %d %v", bos, ok)
	}
	if _, ok := tok.PAD(); ok {
		t.Fatalf("pad should be absent")
	}
	if tok.VocabSize() != 258 {
		t.Fatalf("vocab size %d", tok.VocabSize())
	}
	if _, err := tok.Decode([]int{258}); !errors.Is(err, ErrTokenOutOfRange) {
		t.Fatalf("expected ErrTokenOutOfRange, got %v", err)
	}
}

func TestByteTokenizerUnknownByte(t *testing.T) {
	t.Parallel()

	tok := mustTokenizer(t, section(amb.TokenizerByte, "a", "b"))
	if _, err := tok.Encode("abc"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}

	ts := section(amb.TokenizerByte, "a", "b", "<unk>")
	ts.Special.UNK = 2
	tok = mustTokenizer(t, ts)
	if got := mustEncode(t, tok, "abc"); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("unk fallback: %v", got)
	}
}

func TestBPETokenizer(t *testing.T) {
	t.Parallel()

	ts := section(amb.TokenizerBPE, ByteLevelAlphabet()...)
	extra := []string{"he", "ll", "hell", "hello", "<|end|>"}
	for _, p := range extra {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: p})
	}
	ts.Merges = []amb.Merge{{Left: "h", Right: "e"}, {Left: "l", Right: "l"}, {Left: "he", Right: "ll"}, {Left: "hell", Right: "o"}}
	tok := mustTokenizer(t, ts)

	hello := 256 + 3
	end := 256 + 4
	// Single-byte pieces sit at their byte value.
	space := int(' ')

	if got := mustEncode(t, tok, "hello"); !slices.Equal(got, []int{hello}) {
		t.Fatalf("hello: got %v", got)
	}
	got := mustEncode(t, tok, "hello hello<|end|>")
	want := []int{hello, space, hello, end}
	if !slices.Equal(got, want) {
		t.Fatalf("sentence: got %v want %v", got, want)
	}
	if s := mustDecode(t, tok, got); s != "hello hello<|end|>" {
		t.Fatalf("round trip: %q", s)
	}

	text := "héllo, wörld 42\n"
	if s := mustDecode(t, tok, mustEncode(t, tok, text)); s != text {
		t.Fatalf("byte-level round trip: got %q want %q", s, text)
	}
}

func TestSplitTextLongestSpecialWins(t *testing.T) {
	t.Parallel()

	ts := section(amb.TokenizerBPE, "a", "<|im|>", "<|im_end|>")
	v, err := newVocab(ts)
	if err != nil {
		t.Fatal(err)
	}
	got := v.splitText("a<|im_end|><|im|>b")
	want := []textRun{{text: "a"}, {text: "<|im_end|>", special: true}, {text: "<|im|>", special: true}, {text: "b"}}
	if !slices.Equal(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if got := v.splitText(""); !slices.Equal(got, []textRun{{}}) {
		t.Fatalf("empty text: %+v", got)
	}
}

func TestByteLevelAlphabetIsReversible(t *testing.T) {
	t.Parallel()

	alpha := ByteLevelAlphabet()
	seen := make(map[string]bool, len(alpha))
	for b, p := range alpha {
		if seen[p] {
			t.Fatalf("byte %d reuses piece %q", b, p)
		}
		seen[p] = true
	}
	if alpha['A'] != "A" || alpha[' '] != "Ġ" || alpha['\n'] != "Ċ" {
		t.Fatalf("unexpected mapping: A=%q space=%q newline=%q", alpha['A'], alpha[' '], alpha['\n'])
	}
	a := defaultAlphabet()
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	var dec []byte
	for _, sym := range a.encode(string(all)) {
		dec = a.decode(dec, sym)
	}
	if string(dec) != string(all) {
		t.Fatalf("round trip lost bytes")
	}
}

func TestBPEAppliesLowestRankFirst(t *testing.T) {
	t.Parallel()

	ts := section(amb.TokenizerBPE, ByteLevelAlphabet()...)
	for _, p := range []string{"ab", "bc", "abc"} {
		ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: p})
	}
	// bc outranks ab, so "abc" becomes a + bc; no merge joins those.
	ts.Merges = []amb.Merge{{Left: "b", Right: "c"}, {Left: "a", Right: "b"}, {Left: "ab", Right: "c"}}
	tok := mustTokenizer(t, ts)
	if got := mustEncode(t, tok, "abc"); !slices.Equal(got, []int{'a', 256 + 1}) {
		t.Fatalf("got %v", got)
	}
	if got := mustEncode(t, tok, "abab"); !slices.Equal(got, []int{256, 256}) {
		t.Fatalf("repeated pair: got %v", got)
	}
}

func TestSentencePieceTokenizer(t *testing.T) {
	t.Parallel()

	build := func(withBytes bool) Tokenizer {
		ts := section(amb.TokenizerSentencePiece)
		add := func(p string, score float32) {
			ts.Vocab = append(ts.Vocab, amb.VocabEntry{Piece: p, Score: score})
		}
		add("<unk>", 0)
		add("<s>", 0)
		add("</s>", 0)
		add("▁hello", -1)
		add("▁he", -2)
		add("llo", -2)
		add("▁world", -1)
		add("▁", -3)
		for _, c := range []string{"h", "e", "l", "o", "w", "r", "d"} {
			add(c, -5)
		}
		if withBytes {
			for b := range 256 {
				add(fmt.Sprintf("<0x%02X>", b), -8)
			}
		}
		ts.Special.UNK, ts.Special.BOS, ts.Special.EOS = 0, 1, 2
		return mustTokenizer(t, ts)
	}

	tok := build(false)
	got := mustEncode(t, tok, "hello world")
	if !slices.Equal(got, []int{3, 6}) {
		t.Fatalf("segmentation: got %v want [3 6]", got)
	}
	if s := mustDecode(t, tok, append([]int{1}, got...)); s != "hello world" {
		t.Fatalf("decode: %q", s)
	}
	if got := mustEncode(t, tok, "é"); !slices.Equal(got, []int{7, 0}) {
		t.Fatalf("unk fallback: got %v want [7 0]", got)
	}
	if got := mustEncode(t, tok, ""); len(got) != 0 {
		t.Fatalf("empty text: %v", got)
	}

	tok = build(true)
	ids := mustEncode(t, tok, "hello é")
	if s := mustDecode(t, tok, ids); s != "hello é" {
		t.Fatalf("byte fallback round trip: %q (ids %v)", s, ids)
	}
}

func TestWordPieceTokenizer(t *testing.T) {
	t.Parallel()

	ts := section(amb.TokenizerWordPiece, "[UNK]", "[CLS]", "[SEP]", "the", "play", "##ing", ",", "un", "##able")
	ts.Special.UNK, ts.Special.BOS, ts.Special.SEP = 0, 1, 2
	tok := mustTokenizer(t, ts)

	got := mustEncode(t, tok, "[CLS] the playing, unable xyz")
	want := []int{1, 3, 4, 5, 6, 7, 8, 0}
	if !slices.Equal(got, want) {
		t.Fatalf("encode: got %v want %v", got, want)
	}
	if s := mustDecode(t, tok, got); s != "the playing , unable [UNK]" {
		t.Fatalf("decode: %q", s)
	}
}

func TestFromSectionErrors(t *testing.T) {
	t.Parallel()

	if _, err := FromSection(nil); !errors.Is(err, ErrEmptyVocab) {
		t.Fatalf("nil section: %v", err)
	}
	if _, err := FromSection(section(amb.TokenizerBPE)); !errors.Is(err, ErrEmptyVocab) {
		t.Fatalf("empty vocab: %v", err)
	}
	if _, err := FromSection(section(amb.TokenizerType(9), "a")); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestImportHFBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tokJSON  string
		tokCfg   string
		wantType amb.TokenizerType
		wantBOS  uint16
		wantEOS  uint16
		wantUNK  uint16
		wantLen  int
	}{
		{
			name:     "bpe",
			tokJSON:  `{"model":{"type":"BPE","vocab":{"a":0,"b":1,"ab":2},"merges":["a b"]},"added_tokens":[{"id":3,"content":"<s>","special":true},{"id":4,"content":"</s>","special":true}]}`,
			tokCfg:   `{"bos_token":"<s>","eos_token":{"content":"</s>"}}`,
			wantType: amb.TokenizerBPE,
			wantBOS:  3, wantEOS: 4, wantUNK: amb.NoToken, wantLen: 5,
		},
		{
			name:     "unigram",
			tokJSON:  `{"model":{"type":"Unigram","unk_id":0,"vocab":[["<unk>",0],["▁hi",-1.5],["</s>",0]]}}`,
			tokCfg:   `{"eos_token":"</s>"}`,
			wantType: amb.TokenizerSentencePiece,
			wantBOS:  amb.NoToken, wantEOS: 2, wantUNK: 0, wantLen: 3,
		},
		{
			name:     "wordpiece",
			tokJSON:  `{"model":{"type":"WordPiece","unk_token":"[UNK]","vocab":{"[UNK]":0,"[CLS]":1,"hi":2}}}`,
			tokCfg:   `{"cls_token":"[CLS]"}`,
			wantType: amb.TokenizerWordPiece,
			wantBOS:  1, wantEOS: amb.NoToken, wantUNK: 0, wantLen: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts, err := ImportHFBytes([]byte(tt.tokJSON), []byte(tt.tokCfg))
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if ts.Type != tt.wantType || len(ts.Vocab) != tt.wantLen {
				t.Fatalf("type %s len %d", ts.Type, len(ts.Vocab))
			}
			if ts.Special.BOS != tt.wantBOS || ts.Special.EOS != tt.wantEOS || ts.Special.UNK != tt.wantUNK {
				t.Fatalf("specials: %+v", ts.Special)
			}
			mustTokenizer(t, ts)
		})
	}

	ts, err := ImportHFBytes([]byte(`{"model":{"type":"BPE","vocab":{"a":0,"b":1,"ab":2},"merges":[["a","b"]]}}`), nil)
	if err != nil {
		t.Fatalf("array merges: %v", err)
	}
	if len(ts.Merges) != 1 || ts.Merges[0] != (amb.Merge{Left: "a", Right: "b"}) {
		t.Fatalf("merges: %+v", ts.Merges)
	}

	if _, err := ImportHFBytes([]byte(`{"model":{"type":"WordLevel","vocab":{}}}`), nil); err == nil {
		t.Fatalf("expected unsupported model error")
	}
}
