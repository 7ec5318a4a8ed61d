package amb

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptFile        = errors.New("corrupt AMB file")
	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic", ErrCorruptFile)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrCorruptFile)
)

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorruptFile}, args...)...)
}
