package model

import (
	"errors"
	"fmt"

	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

var (
	// ErrUnsupportedFormat reports a model container this loader does not
	// implement.
	ErrUnsupportedFormat = errors.New("unsupported model format")

	ErrUnsupportedArch       = fmt.Errorf("model: architecture %w", weights.ErrNotFound)
	ErrUnsupportedActivation = fmt.Errorf("model: activation %w", weights.ErrNotFound)

	// ErrTokenOutOfRange is returned for token ids outside the vocabulary.
	ErrTokenOutOfRange = errors.New("model: token id out of range")
)

func corruptConfig(format string, args ...any) error {
	return fmt.Errorf("%w: config: %s", amb.ErrCorruptFile, fmt.Sprintf(format, args...))
}
