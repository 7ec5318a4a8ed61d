package tokenizer

import (
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/embee-go/embee/pkg/amb"
)

// gpt2Pattern is the GPT-2 pre-tokenizer. Go regexp has no lookahead, so the
// trailing whitespace branch is collapsed into a plain \s+ match.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// byteAlphabet is the reversible byte-to-rune table of byte-level BPE.
// Printable Latin-1 bytes map to themselves; the rest are shifted to
// U+0100 onward in byte order.
type byteAlphabet struct {
	runes [256]rune
	bytes map[rune]byte
}

var defaultAlphabet = sync.OnceValue(func() *byteAlphabet {
	a := &byteAlphabet{bytes: make(map[rune]byte, 256)}
	next := rune(256)
	for b := range 256 {
		r := rune(b)
		if !printableByte(byte(b)) {
			r = next
			next++
		}
		a.runes[b] = r
		a.bytes[r] = byte(b)
	}
	return a
})

func printableByte(b byte) bool {
	return ('!' <= b && b <= '~') || (0xA1 <= b && b <= 0xAC) || (0xAE <= b && b <= 0xFF)
}

// encode spells s in the alphabet, one symbol per input byte.
func (a *byteAlphabet) encode(s string) []string {
	syms := make([]string, len(s))
	for i := range len(s) {
		syms[i] = string(a.runes[s[i]])
	}
	return syms
}

// decode appends the bytes spelled by piece. Runes outside the alphabet are
// copied as UTF-8.
func (a *byteAlphabet) decode(dst []byte, piece string) []byte {
	for _, r := range piece {
		if b, ok := a.bytes[r]; ok {
			dst = append(dst, b)
			continue
		}
		dst = utf8.AppendRune(dst, r)
	}
	return dst
}

// ByteLevelAlphabet returns the 256 single-byte pieces of a byte-level BPE
// vocabulary, indexed by byte value.
func ByteLevelAlphabet() []string {
	a := defaultAlphabet()
	out := make([]string, 256)
	for b, r := range a.runes {
		out[b] = string(r)
	}
	return out
}

type mergeKey struct{ left, right string }

// BPETokenizer is a byte-level BPE tokenizer. Pieces are stored in the
// byte-to-unicode alphabet, so every input byte sequence is encodable.
type BPETokenizer struct {
	vocab
	alpha *byteAlphabet
	// ranks orders merges by priority; the first listing of a pair wins.
	ranks map[mergeKey]int

	mu    sync.Mutex
	cache map[string][]string
}

func newBPE(v vocab, merges []amb.Merge) *BPETokenizer {
	ranks := make(map[mergeKey]int, len(merges))
	for _, m := range merges {
		k := mergeKey{m.Left, m.Right}
		if _, ok := ranks[k]; !ok {
			ranks[k] = len(ranks)
		}
	}
	return &BPETokenizer{
		vocab: v,
		alpha: defaultAlphabet(),
		ranks: ranks,
		cache: make(map[string][]string),
	}
}

func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range t.splitText(text) {
		if part.special {
			ids = append(ids, t.index[part.text])
			continue
		}
		for _, word := range gpt2Pattern.FindAllString(part.text, -1) {
			for _, sym := range t.merge(word) {
				id, ok := t.index[sym]
				if !ok {
					var err error
					if ids, err = t.unknown(ids, sym); err != nil {
						return nil, err
					}
					continue
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPETokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		piece, err := t.piece(id)
		if err != nil {
			return "", err
		}
		switch {
		case t.control(id):
		case isMarkerPiece(piece):
			b = append(b, piece...)
		default:
			b = t.alpha.decode(b, piece)
		}
	}
	return string(b), nil
}

// merge splits word into alphabet symbols and applies the lowest-ranked
// adjacent merge until none applies. Results are memoised per word.
func (t *BPETokenizer) merge(word string) []string {
	t.mu.Lock()
	syms, ok := t.cache[word]
	t.mu.Unlock()
	if ok {
		return syms
	}

	syms = t.alpha.encode(word)
	for len(syms) > 1 {
		best, bestRank := -1, 0
		for i := 0; i+1 < len(syms); i++ {
			r, ok := t.ranks[mergeKey{syms[i], syms[i+1]}]
			if ok && (best < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		// Fuse every occurrence of the winning pair, left to right.
		k := mergeKey{syms[best], syms[best+1]}
		out := make([]string, 0, len(syms)-1)
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == k.left && syms[i+1] == k.right {
				out = append(out, k.left+k.right)
				i++
				continue
			}
			out = append(out, syms[i])
		}
		syms = out
	}

	t.mu.Lock()
	t.cache[word] = syms
	t.mu.Unlock()
	return syms
}
