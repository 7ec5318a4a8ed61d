package model

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/embee-go/embee/pkg/amb"
)

// Format identifies a model container kind.
type Format string

const (
	FormatAMB  Format = "amb"
	FormatGGUF Format = "gguf"
	FormatONNX Format = "onnx"
)

var onnxPrefix = []byte{0x08, 0, 0, 0, 0, 0, 0, 0}

// DetectFormat picks a container kind by extension, then by magic bytes.
// Files that match nothing are treated as AMB so that parsing reports the
// precise problem.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "amb":
		return FormatAMB, nil
	case "gguf":
		return FormatGGUF, nil
	case "onnx":
		return FormatONNX, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var head [8]byte
	n, err := io.ReadFull(f, head[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return detectMagic(head[:n]), nil
}

func detectMagic(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("GGUF")):
		return FormatGGUF
	case bytes.Equal(head, onnxPrefix):
		return FormatONNX
	case bytes.HasPrefix(head, []byte(amb.Magic)):
		return FormatAMB
	default:
		return FormatAMB
	}
}
