// Package weights owns model tensors and their dequantization.
//
// A Store is immutable after construction and safe for concurrent readers.
package weights

import (
	"fmt"

	"github.com/embee-go/embee/pkg/amb"
)

// Store indexes validated tensors by name.
type Store struct {
	tensors map[string]*Tensor
	bytes   int64
}

// NewStore validates every record up front. Any malformed tensor fails the
// whole store; nothing is partially loaded.
func NewStore(recs []amb.TensorRecord) (*Store, error) {
	s := &Store{tensors: make(map[string]*Tensor, len(recs))}
	for i := range recs {
		t, err := FromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		if _, dup := s.tensors[t.Name]; dup {
			return nil, corruptTensor(t.Name, "duplicate tensor")
		}
		s.tensors[t.Name] = t
		s.bytes += int64(len(t.Data))
	}
	return s, nil
}

// Tensor returns the named tensor or an error wrapping ErrTensorNotFound.
func (s *Store) Tensor(name string) (*Tensor, error) {
	t, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return t, nil
}

// Has reports whether name is present.
func (s *Store) Has(name string) bool {
	_, ok := s.tensors[name]
	return ok
}

// Dequantize decodes the named tensor to float32.
func (s *Store) Dequantize(name string) ([]float32, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}
	return Dequantize(t), nil
}

// Len returns the number of tensors.
func (s *Store) Len() int { return len(s.tensors) }

// Bytes returns the total payload size of all tensors.
func (s *Store) Bytes() int64 { return s.bytes }
