package weights

import (
	"errors"
	"fmt"

	"github.com/embee-go/embee/pkg/amb"
)

var (
	// ErrNotFound is the root of every "asked for something the model does
	// not have" condition.
	ErrNotFound = errors.New("not found")

	ErrTensorNotFound = fmt.Errorf("weights: tensor %w", ErrNotFound)

	// ErrCorruptTensor reports a tensor whose payload does not match its
	// declared layout. It is a Corrupt-Format condition.
	ErrCorruptTensor = fmt.Errorf("%w: bad tensor layout", amb.ErrCorruptFile)
)

func corruptTensor(name, format string, args ...any) error {
	return fmt.Errorf("%w: %q: %s", ErrCorruptTensor, name, fmt.Sprintf(format, args...))
}
