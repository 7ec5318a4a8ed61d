package tokenizer

import "strings"

// ByteTokenizer maps each input byte to the piece holding exactly that byte.
type ByteTokenizer struct {
	vocab
	byteID [256]int
}

func newByte(v vocab) *ByteTokenizer {
	t := &ByteTokenizer{vocab: v}
	for b := range t.byteID {
		t.byteID[b] = -1
		if id, ok := v.index[string([]byte{byte(b)})]; ok {
			t.byteID[b] = id
		}
	}
	return t
}

func (t *ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		id := t.byteID[text[i]]
		if id < 0 {
			var err error
			if ids, err = t.unknown(ids, text[i:i+1]); err != nil {
				return nil, err
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *ByteTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		p, err := t.piece(id)
		if err != nil {
			return "", err
		}
		if t.control(id) {
			continue
		}
		b.WriteString(p)
	}
	return b.String(), nil
}
