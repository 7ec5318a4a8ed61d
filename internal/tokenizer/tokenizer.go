// Package tokenizer turns text into token ids and back for the vocabularies
// stored in an AMB tokenizer section.
package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/embee-go/embee/pkg/amb"
)

// Tokenizer defines the text boundary of the engine.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	BOS() (int, bool)
	EOS() (int, bool)
	PAD() (int, bool)
}

var (
	ErrUnknownToken    = errors.New("tokenizer: unknown token")
	ErrTokenOutOfRange = errors.New("tokenizer: token id out of range")
	ErrEmptyVocab      = errors.New("tokenizer: empty vocabulary")
)

// FromSection builds the tokenizer variant named by the section type.
// The variant is resolved once here; callers hold the interface.
func FromSection(ts *amb.TokenizerSection) (Tokenizer, error) {
	if ts == nil {
		return nil, ErrEmptyVocab
	}
	v, err := newVocab(ts)
	if err != nil {
		return nil, err
	}
	switch ts.Type {
	case amb.TokenizerByte:
		return newByte(v), nil
	case amb.TokenizerBPE:
		return newBPE(v, ts.Merges), nil
	case amb.TokenizerSentencePiece:
		return newSentencePiece(v), nil
	case amb.TokenizerWordPiece:
		return newWordPiece(v), nil
	default:
		return nil, fmt.Errorf("tokenizer: unsupported type %s", ts.Type)
	}
}

// vocab is the piece table shared by every variant.
type vocab struct {
	pieces  []string
	scores  []float32
	index   map[string]int
	special amb.SpecialTokens
	// specials holds the pieces matched verbatim in input text, longest first.
	specials []string
}

func newVocab(ts *amb.TokenizerSection) (vocab, error) {
	if len(ts.Vocab) == 0 {
		return vocab{}, ErrEmptyVocab
	}
	v := vocab{
		pieces:  make([]string, len(ts.Vocab)),
		scores:  make([]float32, len(ts.Vocab)),
		index:   make(map[string]int, len(ts.Vocab)),
		special: ts.Special,
	}
	for i, e := range ts.Vocab {
		v.pieces[i] = e.Piece
		v.scores[i] = e.Score
		if _, dup := v.index[e.Piece]; !dup && e.Piece != "" {
			v.index[e.Piece] = i
		}
	}
	seen := make(map[string]bool)
	mark := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			v.specials = append(v.specials, p)
		}
	}
	for _, id := range []uint16{ts.Special.BOS, ts.Special.EOS, ts.Special.PAD, ts.Special.UNK, ts.Special.SEP} {
		if p, ok := v.lookupSpecial(id); ok {
			mark(p)
		}
	}
	for _, p := range v.pieces {
		if isMarkerPiece(p) {
			mark(p)
		}
	}
	slices.SortStableFunc(v.specials, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return v, nil
}

// isMarkerPiece reports pieces of the <|name|> form, which are matched
// verbatim in input and never byte-decoded.
func isMarkerPiece(p string) bool {
	return len(p) >= 4 && strings.HasPrefix(p, "<|") && strings.HasSuffix(p, "|>")
}

func (v *vocab) lookupSpecial(id uint16) (string, bool) {
	if id == amb.NoToken || int(id) >= len(v.pieces) || v.pieces[id] == "" {
		return "", false
	}
	return v.pieces[id], true
}

func (v *vocab) specialID(id uint16) (int, bool) {
	if id == amb.NoToken || int(id) >= len(v.pieces) {
		return 0, false
	}
	return int(id), true
}

func (v *vocab) VocabSize() int     { return len(v.pieces) }
func (v *vocab) BOS() (int, bool)   { return v.specialID(v.special.BOS) }
func (v *vocab) EOS() (int, bool)   { return v.specialID(v.special.EOS) }
func (v *vocab) PAD() (int, bool)   { return v.specialID(v.special.PAD) }
func (v *vocab) unkID() (int, bool) { return v.specialID(v.special.UNK) }

// control reports ids that carry no text: BOS, EOS, PAD and SEP.
func (v *vocab) control(id int) bool {
	for _, s := range []uint16{v.special.BOS, v.special.EOS, v.special.PAD, v.special.SEP} {
		if s != amb.NoToken && int(s) == id {
			return true
		}
	}
	return false
}

func (v *vocab) piece(id int) (string, error) {
	if id < 0 || id >= len(v.pieces) {
		return "", fmt.Errorf("%w: %d", ErrTokenOutOfRange, id)
	}
	return v.pieces[id], nil
}

// unknown maps an unmatched fragment to the UNK id, or fails when the
// vocabulary has none.
func (v *vocab) unknown(ids []int, frag string) ([]int, error) {
	if id, ok := v.unkID(); ok {
		return append(ids, id), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownToken, frag)
}

// textRun is a span of input text; a special run is exactly one special
// piece.
type textRun struct {
	text    string
	special bool
}

// splitText separates verbatim special pieces from ordinary text. At each
// offset the longest matching special piece wins.
func (v *vocab) splitText(text string) []textRun {
	if len(v.specials) == 0 {
		return []textRun{{text: text}}
	}
	var out []textRun
	start := 0
	for i := 0; i < len(text); {
		j := slices.IndexFunc(v.specials, func(sp string) bool { return strings.HasPrefix(text[i:], sp) })
		if j < 0 {
			i++
			continue
		}
		if start < i {
			out = append(out, textRun{text: text[start:i]})
		}
		sp := v.specials[j]
		out = append(out, textRun{text: sp, special: true})
		i += len(sp)
		start = i
	}
	if start < len(text) || len(out) == 0 {
		out = append(out, textRun{text: text[start:]})
	}
	return out
}
