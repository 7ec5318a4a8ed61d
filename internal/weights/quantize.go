package weights

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/embee-go/embee/pkg/amb"
	"github.com/x448/float16"
)

// DefaultOutlierRatio keeps an adaptive block in full precision when its
// largest magnitude exceeds this multiple of its mean magnitude.
const DefaultOutlierRatio = 6

// QuantSpec selects how Quantize encodes a tensor.
type QuantSpec struct {
	Type      amb.QuantType
	BlockSize int
	ScaleType amb.ScaleType

	// Storage is the code dtype of quantized adaptive blocks. Defaults to int4.
	Storage amb.DType

	OutlierRatio float32
}

// EncodeFloat builds an unquantized record in f32, f16 or bf16.
func EncodeFloat(name string, shape []uint32, vals []float32, dt amb.DType) (amb.TensorRecord, error) {
	if err := checkShape(name, shape, len(vals)); err != nil {
		return amb.TensorRecord{}, err
	}
	var data []byte
	switch dt {
	case amb.DTypeF32:
		data = make([]byte, 0, 4*len(vals))
		for _, v := range vals {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
	case amb.DTypeF16:
		data = make([]byte, 0, 2*len(vals))
		for _, v := range vals {
			data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
		}
	case amb.DTypeBF16:
		data = make([]byte, 0, 2*len(vals))
		for _, v := range vals {
			data = binary.LittleEndian.AppendUint16(data, f32ToBF16(v))
		}
	default:
		return amb.TensorRecord{}, fmt.Errorf("weights: %s is not a float dtype", dt)
	}
	return amb.TensorRecord{Name: name, Shape: shape, DType: dt, Data: data}, nil
}

// Quantize encodes vals with symmetric per-block scales. Every reconstructed
// element is within half a scale step of its input.
func Quantize(name string, shape []uint32, vals []float32, spec QuantSpec) (amb.TensorRecord, error) {
	if spec.Type == amb.QuantNone {
		return EncodeFloat(name, shape, vals, amb.DTypeF32)
	}
	if err := checkShape(name, shape, len(vals)); err != nil {
		return amb.TensorRecord{}, err
	}
	n := len(vals)

	dt := spec.Type.DType()
	if spec.Type == amb.QuantAdaptive {
		dt = spec.Storage
		if !dt.Quantized() {
			dt = amb.DTypeI4
		}
	}

	bs := n
	diskBS := 0
	if spec.Type.Blocked() {
		bs = spec.BlockSize
		if bs <= 0 || bs > math.MaxUint16 {
			return amb.TensorRecord{}, fmt.Errorf("weights: %q: invalid block size %d", name, bs)
		}
		if n%bs != 0 {
			return amb.TensorRecord{}, fmt.Errorf("%w: %q: block size %d does not divide %d elements", amb.ErrCorruptFile, name, bs, n)
		}
		if dt == amb.DTypeI4 && bs%2 != 0 || dt == amb.DTypeI5 && bs%8 != 0 {
			return amb.TensorRecord{}, fmt.Errorf("weights: %q: block size %d cannot pack %s", name, bs, dt)
		}
		diskBS = bs
	}
	nb := n / bs

	ratio := spec.OutlierRatio
	if ratio <= 0 {
		ratio = DefaultOutlierRatio
	}

	var mask []byte
	if spec.Type == amb.QuantAdaptive {
		mask = make([]byte, (nb+7)/8)
	}
	scales := make([]byte, 0, nb*max(spec.ScaleType.Size(), 1))
	var data []byte
	qmax := float32(maxCode(dt))

	for b := range nb {
		blk := vals[b*bs : (b+1)*bs]
		var maxAbs, sumAbs float32
		for _, v := range blk {
			a := float32(math.Abs(float64(v)))
			sumAbs += a
			maxAbs = max(maxAbs, a)
		}

		if mask != nil && maxAbs > ratio*sumAbs/float32(len(blk)) {
			mask[b>>3] |= 1 << (b & 7)
			// The scale slot is still present; it is unused for full blocks.
			enc, _, err := encodeScale(0, spec.ScaleType)
			if err != nil {
				return amb.TensorRecord{}, fmt.Errorf("weights: %q: %w", name, err)
			}
			scales = append(scales, enc...)
			for _, v := range blk {
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
			}
			continue
		}

		enc, s, err := encodeScale(maxAbs/qmax, spec.ScaleType)
		if err != nil {
			return amb.TensorRecord{}, fmt.Errorf("weights: %q: %w", name, err)
		}
		scales = append(scales, enc...)
		data = packBlock(data, blk, s, dt)
	}

	return amb.TensorRecord{
		Name:  name,
		Shape: shape,
		DType: dt,
		Data:  data,
		Quant: &amb.QuantInfo{
			Type:      spec.Type,
			BlockSize: uint16(diskBS),
			ScaleType: spec.ScaleType,
			Scales:    scales,
			Mask:      mask,
		},
	}, nil
}

func packBlock(dst []byte, blk []float32, s float32, dt amb.DType) []byte {
	off := zeroOffset(dt)
	qmax := maxCode(dt)
	code := func(v float32) int {
		if s == 0 {
			return off
		}
		q := int(math.Round(float64(v / s)))
		q = max(-qmax, min(qmax, q))
		return q + off
	}

	switch dt {
	case amb.DTypeI8:
		for _, v := range blk {
			dst = append(dst, uint8(code(v)))
		}
	case amb.DTypeI4:
		for j := 0; j < len(blk); j += 2 {
			lo := code(blk[j])
			hi := off
			if j+1 < len(blk) {
				hi = code(blk[j+1])
			}
			dst = append(dst, uint8(lo)|uint8(hi)<<4)
		}
	case amb.DTypeI5:
		start := len(dst)
		dst = append(dst, make([]byte, packedSize(dt, len(blk)))...)
		out := dst[start:]
		for j, v := range blk {
			bit := j * 5
			c := uint16(code(v)) << (bit & 7)
			out[bit>>3] |= uint8(c)
			if hi := uint8(c >> 8); hi != 0 {
				out[bit>>3+1] |= hi
			}
		}
	}
	return dst
}

// encodeScale encodes s and returns the value a reader will decode. The
// stored value is never smaller than s so codes never need clamping.
func encodeScale(s float32, st amb.ScaleType) ([]byte, float32, error) {
	switch st {
	case amb.ScaleF32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(s)), s, nil
	case amb.ScaleF16:
		h := float16.Fromfloat32(s)
		if h.Float32() < s {
			h = float16.Frombits(h.Bits() + 1)
		}
		if h.IsInf(0) || h.IsNaN() {
			return nil, 0, fmt.Errorf("scale %g outside f16 range", s)
		}
		return binary.LittleEndian.AppendUint16(nil, h.Bits()), h.Float32(), nil
	case amb.ScaleBF16:
		b := uint16(math.Float32bits(s) >> 16)
		if bf16ToF32(b) < s {
			b++
		}
		got := bf16ToF32(b)
		if math.IsInf(float64(got), 0) {
			return nil, 0, fmt.Errorf("scale %g outside bf16 range", s)
		}
		return binary.LittleEndian.AppendUint16(nil, b), got, nil
	default:
		return nil, 0, fmt.Errorf("unknown scale type %d", st)
	}
}

// f32ToBF16 rounds to nearest even.
func f32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

func checkShape(name string, shape []uint32, n int) error {
	want := 1
	for _, d := range shape {
		want *= int(d)
	}
	if want != n {
		return fmt.Errorf("weights: %q: shape %v holds %d elements, got %d", name, shape, want, n)
	}
	if n == 0 {
		return fmt.Errorf("weights: %q: empty tensor", name)
	}
	return nil
}
