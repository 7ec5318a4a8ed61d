package weights

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/embee-go/embee/pkg/amb"
	"github.com/x448/float16"
)

var (
	errScaleLayout    = errors.New("scale array does not match block count")
	errScaleNotFinite = errors.New("scale is not finite")
)

// Dequantize decodes the whole tensor into a new float32 buffer.
func Dequantize(t *Tensor) []float32 {
	out := make([]float32, t.Elements())
	DequantizeRange(t, 0, out)
	return out
}

// DequantizeRange decodes elements [start, start+len(dst)) into dst. Each
// block is decoded according to its own precision, so a range may straddle
// blocks of different kinds. It panics if the range is outside the tensor.
func DequantizeRange(t *Tensor, start int, dst []float32) {
	if start < 0 || start+len(dst) > t.Elements() {
		panic("weights: dequantize range out of bounds")
	}
	switch t.DType {
	case amb.DTypeF32:
		src := t.Data[4*start:]
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
		return
	case amb.DTypeF16:
		src := t.Data[2*start:]
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
		return
	case amb.DTypeBF16:
		src := t.Data[2*start:]
		for i := range dst {
			dst[i] = bf16ToF32(binary.LittleEndian.Uint16(src[2*i:]))
		}
		return
	}

	bs := t.BlockSize
	for i := 0; i < len(dst); {
		e := start + i
		b := e / bs
		in := e - b*bs
		n := min(bs-in, len(dst)-i)
		decodeBlock(t, b, in, dst[i:i+n])
		i += n
	}
}

// decodeBlock decodes len(dst) elements of block b starting at in.
func decodeBlock(t *Tensor, b, in int, dst []float32) {
	blk := t.Data[t.blockOffset(b):]
	if t.FullPrecision(b) {
		src := blk[4*in:]
		for j := range dst {
			dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*j:]))
		}
		return
	}

	s := t.Scales[b]
	switch t.DType {
	case amb.DTypeI8:
		src := blk[in : in+len(dst)]
		for j, q := range src {
			dst[j] = s * float32(int(q)-128)
		}
	case amb.DTypeI4:
		for j := range dst {
			k := in + j
			q := blk[k>>1]
			if k&1 != 0 {
				q >>= 4
			}
			dst[j] = s * float32(int(q&0x0F)-8)
		}
	case amb.DTypeI5:
		for j := range dst {
			bit := (in + j) * 5
			idx := bit >> 3
			v := uint16(blk[idx])
			if idx+1 < len(blk) {
				v |= uint16(blk[idx+1]) << 8
			}
			q := (v >> (bit & 7)) & 0x1F
			dst[j] = s * float32(int(q)-16)
		}
	default:
		panic("weights: unsupported quantized dtype")
	}
}

// Dot returns the dot product of row r of a matrix tensor with x, decoding
// through scratch. Accumulation is float32 regardless of storage.
func Dot(t *Tensor, r int, x, scratch []float32) float32 {
	cols := len(x)
	if t.DType == amb.DTypeF32 {
		src := t.Data[4*r*cols:]
		var sum float32
		for j, xv := range x {
			sum += math.Float32frombits(binary.LittleEndian.Uint32(src[4*j:])) * xv
		}
		return sum
	}
	row := scratch[:cols]
	DequantizeRange(t, r*cols, row)
	var sum float32
	j := 0
	for ; j+3 < cols; j += 4 {
		sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
	}
	for ; j < cols; j++ {
		sum += row[j] * x[j]
	}
	return sum
}
