package tokenizer

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// spaceMark replaces spaces inside SentencePiece pieces.
const spaceMark = "▁"

// SentencePieceTokenizer segments text with the unigram model: the chosen
// segmentation maximises the sum of piece scores. Characters no piece covers
// fall back to <0xXX> byte pieces, then to UNK.
type SentencePieceTokenizer struct {
	vocab
	maxPiece  int
	byteID    [256]int
	unkScore  float64
	hasBytes  bool
	byteValue map[int]byte
}

func newSentencePiece(v vocab) *SentencePieceTokenizer {
	t := &SentencePieceTokenizer{vocab: v, byteValue: make(map[int]byte)}
	minScore := 0.0
	for id, p := range v.pieces {
		t.maxPiece = max(t.maxPiece, len(p))
		minScore = min(minScore, float64(v.scores[id]))
	}
	t.unkScore = minScore - 10
	t.hasBytes = true
	for b := range t.byteID {
		id, ok := v.index[fmt.Sprintf("<0x%02X>", b)]
		if !ok {
			t.byteID[b] = -1
			t.hasBytes = false
			continue
		}
		t.byteID[b] = id
		t.byteValue[id] = byte(b)
	}
	return t
}

func (t *SentencePieceTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, nil
	}
	var ids []int
	for i, part := range t.splitText(text) {
		if part.special {
			ids = append(ids, t.index[part.text])
			continue
		}
		s := strings.ReplaceAll(part.text, " ", spaceMark)
		if i == 0 {
			s = spaceMark + s
		}
		var err error
		if ids, err = t.segment(ids, s); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// segment runs Viterbi over byte offsets that start a rune. A -1 entry in
// tok marks a single unmatched rune.
func (t *SentencePieceTokenizer) segment(ids []int, s string) ([]int, error) {
	n := len(s)
	best := make([]float64, n+1)
	prev := make([]int, n+1)
	tok := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
	}

	for i := 0; i < n; i++ {
		if math.IsInf(best[i], -1) || !utf8.RuneStart(s[i]) {
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		covered := false
		for j := i + 1; j <= min(n, i+t.maxPiece); j++ {
			if j < n && !utf8.RuneStart(s[j]) {
				continue
			}
			id, ok := t.index[s[i:j]]
			if !ok || t.control(id) {
				continue
			}
			if j == i+size {
				covered = true
			}
			if sc := best[i] + float64(t.scores[id]); sc > best[j] {
				best[j], prev[j], tok[j] = sc, i, id
			}
		}
		if !covered {
			if sc := best[i] + t.unkScore; sc > best[i+size] {
				best[i+size], prev[i+size], tok[i+size] = sc, i, -1
			}
		}
	}

	var rev []int
	for j := n; j > 0; j = prev[j] {
		rev = append(rev, j)
	}
	for k := len(rev) - 1; k >= 0; k-- {
		j := rev[k]
		if tok[j] >= 0 {
			ids = append(ids, tok[j])
			continue
		}
		frag := s[prev[j]:j]
		if t.hasBytes {
			for b := 0; b < len(frag); b++ {
				ids = append(ids, t.byteID[frag[b]])
			}
			continue
		}
		var err error
		if ids, err = t.unknown(ids, frag); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (t *SentencePieceTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		p, err := t.piece(id)
		if err != nil {
			return "", err
		}
		if t.control(id) {
			continue
		}
		if by, ok := t.byteValue[id]; ok {
			b = append(b, by)
			continue
		}
		b = append(b, strings.ReplaceAll(p, spaceMark, " ")...)
	}
	return strings.TrimPrefix(string(b), " "), nil
}
