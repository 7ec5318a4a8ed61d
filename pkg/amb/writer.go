package amb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

const writerBufSize = 1 << 20

// Writer assembles an AMB file. Section sizes are computed before anything
// is written, so the output streams without seeking.
type Writer struct {
	Metadata  Metadata
	Config    Config
	Tokenizer TokenizerSection

	tensors []TensorRecord
	seen    map[string]struct{}
}

// NewWriter returns a writer with an empty byte-level tokenizer.
func NewWriter(md Metadata, cfg Config) *Writer {
	return &Writer{
		Metadata:  md,
		Config:    cfg,
		Tokenizer: TokenizerSection{Type: TokenizerByte, Special: NoSpecialTokens()},
		seen:      make(map[string]struct{}),
	}
}

// AddTensor queues a tensor record. Data, scales and mask are referenced,
// not copied.
func (w *Writer) AddTensor(rec TensorRecord) error {
	if err := validateRecord(&rec); err != nil {
		return err
	}
	if _, dup := w.seen[rec.Name]; dup {
		return fmt.Errorf("amb: duplicate tensor %q", rec.Name)
	}
	w.seen[rec.Name] = struct{}{}
	w.tensors = append(w.tensors, rec)
	return nil
}

// NumTensors returns how many records have been queued.
func (w *Writer) NumTensors() int { return len(w.tensors) }

// WriteTo encodes the complete file to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	md, err := json.Marshal(w.Metadata)
	if err != nil {
		return 0, fmt.Errorf("amb: encode metadata: %w", err)
	}
	cfg, err := json.Marshal(w.Config)
	if err != nil {
		return 0, fmt.Errorf("amb: encode config: %w", err)
	}
	tok := w.Tokenizer.AppendTo(nil)
	if len(md) > 0xFFFFFFFF || len(cfg) > 0xFFFFFFFF || len(tok) > 0xFFFFFFFF {
		return 0, errors.New("amb: section exceeds 4 GiB")
	}

	var weights uint64
	for i := range w.tensors {
		weights += recordSize(&w.tensors[i])
	}

	var hdr [HeaderSize]byte
	h := Header{
		Version:       CurrentVersion,
		MetadataSize:  uint32(len(md)),
		ConfigSize:    uint32(len(cfg)),
		TokenizerSize: uint32(len(tok)),
		WeightsSize:   weights,
	}
	copy(h.Magic[:], Magic)
	encodeHeader(hdr[:], h)

	bw := bufio.NewWriterSize(dst, writerBufSize)
	cw := &countingWriter{w: bw}
	for _, p := range [][]byte{hdr[:], md, cfg, tok} {
		if _, err := cw.Write(p); err != nil {
			return cw.n, err
		}
	}

	var scratch []byte
	for i := range w.tensors {
		rec := &w.tensors[i]
		scratch = appendRecordHead(scratch[:0], rec)
		n := uint64(len(scratch) + len(rec.Data))
		if _, err := cw.Write(scratch); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(rec.Data); err != nil {
			return cw.n, err
		}
		scratch = appendRecordTail(scratch[:0], rec, n)
		if _, err := cw.Write(scratch); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Bytes encodes the file into memory.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes the file to path, replacing any existing file.
func (w *Writer) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	_, err = w.WriteTo(f)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
