package amb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func sampleWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter(
		Metadata{Name: "tiny", Creator: "tests", License: "MIT"},
		Config{Architecture: "llama", VocabSize: 4, EmbeddingDim: 2, NumLayers: 1, NumHeads: 1, MaxSeqLen: 8, Activation: "silu"},
	)
	w.Tokenizer = TokenizerSection{
		Type:    TokenizerBPE,
		Special: SpecialTokens{BOS: 0, EOS: 1, PAD: NoToken, UNK: 2, SEP: NoToken},
		Vocab:   []VocabEntry{{"<s>", 0}, {"</s>", 0}, {"<unk>", 0}, {"ab", -1.5}},
		Merges:  []Merge{{"a", "b"}},
	}
	// odd-sized name forces padding
	if err := w.AddTensor(TensorRecord{Name: "x", Shape: []uint32{3}, DType: DTypeF32, Data: f32Bytes(1, 2, 3)}); err != nil {
		t.Fatalf("add f32: %v", err)
	}
	if err := w.AddTensor(TensorRecord{
		Name:  "q",
		Shape: []uint32{2, 8},
		DType: DTypeI4,
		Data:  make([]byte, 8),
		Quant: &QuantInfo{Type: QuantAdaptive, BlockSize: 8, ScaleType: ScaleF32, Scales: f32Bytes(0.5, 0.25), Mask: []byte{0b10}},
	}); err != nil {
		t.Fatalf("add adaptive: %v", err)
	}
	return w
}

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.amb")
	if err := sampleWriter(t).WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	af, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := af.Close(); cerr != nil {
			t.Fatalf("close amb file: %v", cerr)
		}
	}()

	if af.Mapped() {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if af.Metadata.Name != "tiny" || af.Config.VocabSize != 4 {
		t.Fatalf("sections mismatch: %+v %+v", af.Metadata, af.Config)
	}
	if af.Tokenizer.Type != TokenizerBPE || len(af.Tokenizer.Vocab) != 4 || len(af.Tokenizer.Merges) != 1 {
		t.Fatalf("tokenizer mismatch: %+v", af.Tokenizer)
	}
	if af.Tokenizer.Vocab[3].Score != -1.5 || af.Tokenizer.Special.EOS != 1 || af.Tokenizer.Special.PAD != NoToken {
		t.Fatalf("tokenizer fields mismatch: %+v", af.Tokenizer)
	}

	x, err := af.Tensor("x")
	if err != nil {
		t.Fatalf("tensor x: %v", err)
	}
	if !bytes.Equal(x.Data, f32Bytes(1, 2, 3)) || x.Quant != nil {
		t.Fatalf("tensor x mismatch: %+v", x)
	}
	q, err := af.Tensor("q")
	if err != nil {
		t.Fatalf("tensor q: %v", err)
	}
	if q.Quant == nil || q.Quant.Type != QuantAdaptive || q.Quant.BlockSize != 8 || !bytes.Equal(q.Quant.Mask, []byte{0b10}) {
		t.Fatalf("tensor q trailer mismatch: %+v", q.Quant)
	}
	if _, err := af.Tensor("missing"); !errors.Is(err, ErrTensorMissing) {
		t.Fatalf("expected ErrTensorMissing, got %v", err)
	}
}

func TestOpenMmap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.amb")
	if err := sampleWriter(t).WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}
	af, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(af.Tensors) != 2 {
		t.Fatalf("tensor count: got %d want 2", len(af.Tensors))
	}
	if err := af.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRecordsAlignedWithinWeights(t *testing.T) {
	t.Parallel()

	w := sampleWriter(t)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.WeightsSize%recordAlign != 0 {
		t.Fatalf("weights section size %d not aligned", h.WeightsSize)
	}
	// "x" record: 2+1+1+4+1+8+12 = 29 bytes, padded to 32.
	if got := recordSize(&w.tensors[0]); got != 32 {
		t.Fatalf("record size: got %d want 32", got)
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Version:       CurrentVersion,
		Flags:         0x1122,
		MetadataSize:  0x01020304,
		ConfigSize:    0x05060708,
		TokenizerSize: 0x090a0b0c,
		WeightsSize:   0x1112131415161718,
	}
	copy(h.Magic[:], Magic)
	var raw [HeaderSize]byte
	if !encodeHeader(raw[:], h) {
		t.Fatalf("encode header failed")
	}
	if string(raw[:5]) != Magic || raw[5] != CurrentVersion {
		t.Fatalf("magic/version mismatch: %x", raw[:6])
	}
	if raw[6] != 0x22 || raw[7] != 0x11 {
		t.Fatalf("flags not little-endian: %x", raw[6:8])
	}
	if raw[8] != 0x04 || raw[11] != 0x01 {
		t.Fatalf("metadata size not little-endian: %x", raw[8:12])
	}
	if raw[20] != 0x18 || raw[27] != 0x11 {
		t.Fatalf("weights size not little-endian: %x", raw[20:28])
	}
	got, ok := decodeHeader(raw[:])
	if !ok || got != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestParseRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	good, err := sampleWriter(t).Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidMagic},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), ErrInvalidMagic},
		{"gguf", []byte("GGUF\x03\x00\x00\x00"), ErrInvalidMagic},
		{"bad version", mutate(func(b []byte) []byte { b[5] = 9; return b }), ErrUnsupportedVersion},
		{"truncated header", good[:10], ErrCorruptFile},
		{"truncated body", good[:len(good)-1], ErrCorruptFile},
		{"trailing bytes", append(append([]byte(nil), good...), 0), ErrCorruptFile},
		{"flags set", mutate(func(b []byte) []byte { b[6] = 1; return b }), ErrCorruptFile},
		{"huge weights size", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[20:28], ^uint64(0))
			return b
		}), ErrCorruptFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
			if !errors.Is(err, ErrCorruptFile) {
				t.Fatalf("error %v is not Corrupt-Format", err)
			}
		})
	}
}

func TestParseRejectsBadBlockSize(t *testing.T) {
	t.Parallel()

	w := NewWriter(Metadata{Name: "bad"}, Config{Architecture: "llama"})
	rec := TensorRecord{
		Name:  "w",
		Shape: []uint32{10},
		DType: DTypeI4,
		Data:  make([]byte, 5),
		Quant: &QuantInfo{Type: QuantInt4Block, BlockSize: 4, ScaleType: ScaleF16, Scales: make([]byte, 6)},
	}
	if err := w.AddTensor(rec); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("writer accepted non-dividing block size: %v", err)
	}

	// Bypass the writer's validation to check the reader independently.
	w.tensors = append(w.tensors, rec)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if _, err := Parse(data); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected corrupt file, got %v", err)
	}
}

func TestParseRejectsDuplicateTensor(t *testing.T) {
	t.Parallel()

	w := NewWriter(Metadata{Name: "dup"}, Config{Architecture: "llama"})
	rec := TensorRecord{Name: "a", Shape: []uint32{1}, DType: DTypeF32, Data: f32Bytes(1)}
	if err := w.AddTensor(rec); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := w.AddTensor(rec); err == nil {
		t.Fatalf("writer accepted duplicate tensor")
	}
	w.tensors = append(w.tensors, rec)
	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if _, err := Parse(data); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected corrupt file, got %v", err)
	}
}

func TestParseQuantType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want QuantType
		ok   bool
	}{
		{"", QuantNone, true},
		{"int8", QuantInt8, true},
		{"INT4_BLOCK", QuantInt4Block, true},
		{"adaptive", QuantAdaptive, true},
		{"q4_k", QuantNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseQuantType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseQuantType(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
