package weights

import (
	"encoding/binary"
	"math"

	"github.com/embee-go/embee/pkg/amb"
	"github.com/x448/float16"
)

// Tensor is a read-only, validated view over one weight record. Data is
// borrowed from the model file; scales are decoded once at load.
type Tensor struct {
	Name  string
	Shape []int
	DType amb.DType
	Data  []byte

	Quant     amb.QuantType
	BlockSize int // elements per block; the whole tensor for non-blocked policies
	Scales    []float32
	Mask      []byte

	// offsets[b] is the byte offset of block b, adaptive tensors only.
	offsets []int
}

// Elements returns the product of the shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dims2 returns rows and columns of a matrix. Vectors are reported as a
// single row.
func (t *Tensor) Dims2() (rows, cols int, ok bool) {
	switch len(t.Shape) {
	case 1:
		return 1, t.Shape[0], true
	case 2:
		return t.Shape[0], t.Shape[1], true
	default:
		return 0, 0, false
	}
}

// Quantized reports whether the tensor carries integer codes.
func (t *Tensor) Quantized() bool { return t.DType.Quantized() }

// FullPrecision reports whether block b of an adaptive tensor is stored as
// plain float32.
func (t *Tensor) FullPrecision(b int) bool {
	if t.Quant != amb.QuantAdaptive {
		return false
	}
	return t.Mask[b>>3]&(1<<(b&7)) != 0
}

// NumBlocks returns the number of quantization blocks, or 0 for float tensors.
func (t *Tensor) NumBlocks() int {
	if !t.Quantized() {
		return 0
	}
	return t.Elements() / t.BlockSize
}

func (t *Tensor) blockOffset(b int) int {
	if t.offsets != nil {
		return t.offsets[b]
	}
	return b * packedSize(t.DType, t.BlockSize)
}

// packedSize returns the bytes used by n codes of a quantized dtype.
func packedSize(dt amb.DType, n int) int {
	switch dt {
	case amb.DTypeI8:
		return n
	case amb.DTypeI4:
		return (n + 1) / 2
	case amb.DTypeI5:
		return (n*5 + 7) / 8
	default:
		return n * dt.Bits() / 8
	}
}

// zeroOffset is subtracted from a stored code before scaling.
func zeroOffset(dt amb.DType) int {
	switch dt {
	case amb.DTypeI8:
		return 128
	case amb.DTypeI4:
		return 8
	case amb.DTypeI5:
		return 16
	default:
		return 0
	}
}

// maxCode is the largest symmetric magnitude a code can represent.
func maxCode(dt amb.DType) int {
	return zeroOffset(dt) - 1
}

// FromRecord validates a container record and returns a tensor view.
func FromRecord(rec *amb.TensorRecord) (*Tensor, error) {
	t := &Tensor{
		Name:  rec.Name,
		Shape: make([]int, len(rec.Shape)),
		DType: rec.DType,
		Data:  rec.Data,
	}
	for i, d := range rec.Shape {
		if d == 0 {
			return nil, corruptTensor(rec.Name, "zero dimension %d", i)
		}
		t.Shape[i] = int(d)
	}
	elems := rec.Elements()
	if elems > uint64(math.MaxInt32)*4 {
		return nil, corruptTensor(rec.Name, "%d elements too large", elems)
	}
	n := int(elems)

	if !rec.DType.Quantized() {
		if rec.Quant != nil {
			return nil, corruptTensor(rec.Name, "float tensor with quant trailer")
		}
		want := n * rec.DType.Bits() / 8
		if len(rec.Data) != want {
			return nil, corruptTensor(rec.Name, "data holds %d bytes, want %d", len(rec.Data), want)
		}
		return t, nil
	}

	if rec.Quant == nil {
		return nil, corruptTensor(rec.Name, "quantized tensor without trailer")
	}
	bs, blocks, err := rec.Blocks()
	if err != nil {
		return nil, corruptTensor(rec.Name, "%v", err)
	}
	t.Quant = rec.Quant.Type
	t.BlockSize = int(bs)
	nb := int(blocks)

	if t.Quant.Blocked() {
		switch rec.DType {
		case amb.DTypeI4:
			if t.BlockSize%2 != 0 {
				return nil, corruptTensor(rec.Name, "int4 block size %d is odd", t.BlockSize)
			}
		case amb.DTypeI5:
			if t.BlockSize%8 != 0 {
				return nil, corruptTensor(rec.Name, "int5 block size %d not a multiple of 8", t.BlockSize)
			}
		}
	}

	t.Scales, err = decodeScales(rec.Quant.Scales, rec.Quant.ScaleType, nb)
	if err != nil {
		return nil, corruptTensor(rec.Name, "%v", err)
	}

	want := nb * packedSize(rec.DType, t.BlockSize)
	if t.Quant == amb.QuantAdaptive {
		if len(rec.Quant.Mask) != (nb+7)/8 {
			return nil, corruptTensor(rec.Name, "mask holds %d bytes for %d blocks", len(rec.Quant.Mask), nb)
		}
		t.Mask = rec.Quant.Mask
		t.offsets = make([]int, nb)
		off := 0
		for b := range nb {
			t.offsets[b] = off
			if t.FullPrecision(b) {
				off += 4 * t.BlockSize
			} else {
				off += packedSize(rec.DType, t.BlockSize)
			}
		}
		want = off
	}
	if len(rec.Data) != want {
		return nil, corruptTensor(rec.Name, "data holds %d bytes, want %d", len(rec.Data), want)
	}
	return t, nil
}

func decodeScales(raw []byte, st amb.ScaleType, n int) ([]float32, error) {
	size := st.Size()
	if size == 0 || len(raw) != n*size {
		return nil, errScaleLayout
	}
	out := make([]float32, n)
	for i := range out {
		p := raw[i*size:]
		switch st {
		case amb.ScaleF32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		case amb.ScaleF16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(p)).Float32()
		case amb.ScaleBF16:
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(p))
		}
		if math.IsNaN(float64(out[i])) || math.IsInf(float64(out[i]), 0) {
			return nil, errScaleNotFinite
		}
	}
	return out, nil
}

func bf16ToF32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
