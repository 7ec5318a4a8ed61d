package tensor

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/embee-go/embee/internal/weights"
	"github.com/embee-go/embee/pkg/amb"
)

// Mat is a row-major matrix view over a weight-store tensor.
//
// R and C are the number of rows and columns. Rows are decoded on demand
// into float32; the underlying tensor may be float or quantized.
type Mat struct {
	R, C int
	W    *weights.Tensor
}

var errNotMatrix = errors.New("tensor is not a matrix")

// NewMat wraps a 1-D or 2-D tensor. A vector becomes a single row.
func NewMat(t *weights.Tensor) (Mat, error) {
	r, c, ok := t.Dims2()
	if !ok {
		return Mat{}, fmt.Errorf("%q shape %v: %w", t.Name, t.Shape, errNotMatrix)
	}
	return Mat{R: r, C: c, W: t}, nil
}

// NewMatFromData builds an f32 matrix from values, mainly for tests and
// synthetic models. It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	rec, err := weights.EncodeFloat("mat", []uint32{uint32(r), uint32(c)}, data, amb.DTypeF32)
	if err != nil {
		panic(err)
	}
	t, err := weights.FromRecord(&rec)
	if err != nil {
		panic(err)
	}
	return Mat{R: r, C: c, W: t}
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	weights.DequantizeRange(m.W, i*m.C, dst[:m.C])
}

// RandValues returns reproducible pseudo-random values in (-scale, scale).
// Multiple calls with the same seed produce identical slices.
func RandValues(n int, seed int64, scale float32) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}
