package amb

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is a parsed AMB container. Tensor data slices reference Data and are
// invalid after Close.
type File struct {
	Data        []byte
	Header      Header
	Metadata    Metadata
	Config      Config
	RawMetadata []byte
	RawConfig   []byte
	Tokenizer   *TokenizerSection
	Tensors     []TensorRecord

	index   map[string]int
	mmapped bool
}

// ErrTensorMissing is returned by File.Tensor for unknown names.
var ErrTensorMissing = errors.New("amb: tensor not present")

// Open maps an AMB file read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, corruptf("file size %d not addressable", size64)
	}
	size := int(size64)

	// Check magic and version through a small read before mapping anything.
	prefix := make([]byte, min(size, HeaderSize))
	if _, err := io.ReadFull(f, prefix); err != nil {
		return nil, err
	}
	if _, err := DecodeHeader(prefix); err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		af, parseErr := Parse(data)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		af.mmapped = true
		return af, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// OpenReaderAt loads and validates an AMB file from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, corruptf("file size %d not addressable", size)
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Parse validates and decodes an in-memory AMB image. The returned File
// references data without copying.
func Parse(data []byte) (*File, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Flags != 0 {
		return nil, corruptf("reserved flags 0x%04x set", hdr.Flags)
	}
	total, ok := hdr.FileSize()
	if !ok {
		return nil, corruptf("section sizes overflow")
	}
	if total != uint64(len(data)) {
		return nil, corruptf("section sizes imply %d bytes, file has %d", total, len(data))
	}

	off := HeaderSize
	next := func(n uint64) []byte {
		p := data[off : off+int(n)]
		off += int(n)
		return p
	}
	af := &File{
		Data:        data,
		Header:      hdr,
		RawMetadata: next(uint64(hdr.MetadataSize)),
		RawConfig:   next(uint64(hdr.ConfigSize)),
	}
	rawTok := next(uint64(hdr.TokenizerSize))
	rawWeights := next(hdr.WeightsSize)

	if af.Metadata, err = ParseMetadata(af.RawMetadata); err != nil {
		return nil, err
	}
	if af.Config, err = ParseConfig(af.RawConfig); err != nil {
		return nil, err
	}
	if af.Tokenizer, err = ParseTokenizer(rawTok); err != nil {
		return nil, err
	}
	if af.Tensors, err = parseTensorRecords(rawWeights); err != nil {
		return nil, err
	}
	af.index = make(map[string]int, len(af.Tensors))
	for i := range af.Tensors {
		af.index[af.Tensors[i].Name] = i
	}
	return af, nil
}

// Tensor returns the record with the given name.
func (f *File) Tensor(name string) (*TensorRecord, error) {
	if f == nil || f.index == nil {
		return nil, fmt.Errorf("%w: %q", ErrTensorMissing, name)
	}
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorMissing, name)
	}
	return &f.Tensors[i], nil
}

// Mapped reports whether the file is backed by an mmap.
func (f *File) Mapped() bool { return f != nil && f.mmapped }

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Tensors = nil
	f.index = nil
	f.mmapped = false
	return err
}
