package tokenizer

import (
	"strings"
	"unicode"
)

const (
	continuationPrefix = "##"
	maxWordChars       = 100
)

// WordPieceTokenizer splits on whitespace and punctuation, then matches each
// word greedily longest-first, continuing pieces with "##".
type WordPieceTokenizer struct {
	vocab
}

func newWordPiece(v vocab) *WordPieceTokenizer {
	return &WordPieceTokenizer{vocab: v}
}

func (t *WordPieceTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range t.splitText(text) {
		if part.special {
			ids = append(ids, t.index[part.text])
			continue
		}
		for _, word := range splitWords(part.text) {
			var err error
			if ids, err = t.encodeWord(ids, word); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (t *WordPieceTokenizer) encodeWord(ids []int, word string) ([]int, error) {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return t.unknown(ids, word)
	}
	var pieces []int
	for start := 0; start < len(runes); {
		end := len(runes)
		match := -1
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = continuationPrefix + sub
			}
			if id, ok := t.index[sub]; ok {
				match = id
				break
			}
		}
		if match < 0 {
			// One unmatched span makes the whole word unknown.
			return t.unknown(ids, word)
		}
		pieces = append(pieces, match)
		start = end
	}
	return append(ids, pieces...), nil
}

func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func (t *WordPieceTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		p, err := t.piece(id)
		if err != nil {
			return "", err
		}
		if t.control(id) {
			continue
		}
		if rest, ok := strings.CutPrefix(p, continuationPrefix); ok && b.Len() > 0 {
			b.WriteString(rest)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String(), nil
}
