package amb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TokenizerType is the tag at the start of the tokenizer section.
type TokenizerType uint8

const (
	TokenizerByte TokenizerType = iota
	TokenizerBPE
	TokenizerSentencePiece
	TokenizerWordPiece
)

func (t TokenizerType) String() string {
	switch t {
	case TokenizerByte:
		return "byte"
	case TokenizerBPE:
		return "bpe"
	case TokenizerSentencePiece:
		return "sentencepiece"
	case TokenizerWordPiece:
		return "wordpiece"
	default:
		return fmt.Sprintf("tokenizer(%d)", uint8(t))
	}
}

// NoToken marks an absent special token id.
const NoToken uint16 = 0xFFFF

// SpecialTokens are the five special ids stored in on-disk order.
type SpecialTokens struct {
	BOS, EOS, PAD, UNK, SEP uint16
}

// NoSpecialTokens returns a set with every id absent.
func NoSpecialTokens() SpecialTokens {
	return SpecialTokens{BOS: NoToken, EOS: NoToken, PAD: NoToken, UNK: NoToken, SEP: NoToken}
}

// VocabEntry is one vocabulary piece with its score.
type VocabEntry struct {
	Piece string
	Score float32
}

// Merge is one BPE merge rule.
type Merge struct {
	Left, Right string
}

// TokenizerSection is the decoded tokenizer section.
type TokenizerSection struct {
	Type    TokenizerType
	Special SpecialTokens
	Vocab   []VocabEntry
	Merges  []Merge
}

// ParseTokenizer decodes a tokenizer section payload.
func ParseTokenizer(raw []byte) (*TokenizerSection, error) {
	c := &cursor{b: raw}
	ts := &TokenizerSection{Type: TokenizerType(c.u8("tokenizer type"))}
	ts.Special.BOS = c.u16("bos id")
	ts.Special.EOS = c.u16("eos id")
	ts.Special.PAD = c.u16("pad id")
	ts.Special.UNK = c.u16("unk id")
	ts.Special.SEP = c.u16("sep id")
	if c.err != nil {
		return nil, c.err
	}
	if ts.Type > TokenizerWordPiece {
		return nil, corruptf("unknown tokenizer type %d", ts.Type)
	}

	n := c.u32("vocab count")
	// each entry is at least 6 bytes
	if c.err == nil && uint64(n)*6 > uint64(c.remaining()) {
		return nil, corruptf("vocab count %d exceeds section", n)
	}
	ts.Vocab = make([]VocabEntry, n)
	for i := range ts.Vocab {
		ts.Vocab[i].Piece = c.str16("vocab piece")
		ts.Vocab[i].Score = c.f32("vocab score")
	}

	if ts.Type == TokenizerBPE {
		m := c.u32("merge count")
		if c.err == nil && uint64(m)*4 > uint64(c.remaining()) {
			return nil, corruptf("merge count %d exceeds section", m)
		}
		ts.Merges = make([]Merge, m)
		for i := range ts.Merges {
			ts.Merges[i].Left = c.str16("merge left")
			ts.Merges[i].Right = c.str16("merge right")
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.remaining() != 0 {
		return nil, corruptf("%d trailing bytes in tokenizer section", c.remaining())
	}
	if err := ts.checkSpecial(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (ts *TokenizerSection) checkSpecial() error {
	for _, id := range []uint16{ts.Special.BOS, ts.Special.EOS, ts.Special.PAD, ts.Special.UNK, ts.Special.SEP} {
		if id != NoToken && int(id) >= len(ts.Vocab) {
			return corruptf("special token %d outside vocab of %d", id, len(ts.Vocab))
		}
	}
	return nil
}

// AppendTo encodes the section onto dst.
func (ts *TokenizerSection) AppendTo(dst []byte) []byte {
	dst = append(dst, uint8(ts.Type))
	for _, id := range []uint16{ts.Special.BOS, ts.Special.EOS, ts.Special.PAD, ts.Special.UNK, ts.Special.SEP} {
		dst = binary.LittleEndian.AppendUint16(dst, id)
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ts.Vocab)))
	for _, e := range ts.Vocab {
		dst = appendStr16(dst, e.Piece)
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Score))
	}
	if ts.Type == TokenizerBPE {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ts.Merges)))
		for _, m := range ts.Merges {
			dst = appendStr16(dst, m.Left)
			dst = appendStr16(dst, m.Right)
		}
	}
	return dst
}
