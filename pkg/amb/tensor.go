package amb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// DType identifies the element encoding of a tensor record.
// Keep these stable forever; add new values only.
type DType uint8

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeI4
	DTypeI5
)

var dtypeNames = [...]string{"f32", "f16", "bf16", "int8", "int4", "int5"}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Known reports whether d is a dtype tag defined by this version.
func (d DType) Known() bool { return d <= DTypeI5 }

// Quantized reports whether records of this dtype carry a quant trailer.
func (d DType) Quantized() bool { return d >= DTypeI8 && d <= DTypeI5 }

// Bits returns the storage width of one element.
func (d DType) Bits() int {
	switch d {
	case DTypeF32:
		return 32
	case DTypeF16, DTypeBF16:
		return 16
	case DTypeI8:
		return 8
	case DTypeI5:
		return 5
	case DTypeI4:
		return 4
	default:
		return 0
	}
}

// QuantType identifies the quantization policy in a record trailer.
type QuantType uint8

const (
	QuantNone QuantType = iota
	QuantInt8
	QuantInt4
	QuantInt5
	QuantInt4Block
	QuantInt5Block
	QuantAdaptive
)

var quantNames = [...]string{"none", "int8", "int4", "int5", "int4_block", "int5_block", "adaptive"}

func (q QuantType) String() string {
	if int(q) < len(quantNames) {
		return quantNames[q]
	}
	return fmt.Sprintf("quant(%d)", uint8(q))
}

// ParseQuantType maps a config/CLI name onto a QuantType.
func ParseQuantType(s string) (QuantType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "f32" || s == "fp32" {
		return QuantNone, true
	}
	for i, name := range quantNames {
		if name == s {
			return QuantType(i), true
		}
	}
	return QuantNone, false
}

// Blocked reports whether the policy partitions the tensor into fixed-size
// blocks. Non-blocked policies use a single block spanning the tensor.
func (q QuantType) Blocked() bool {
	return q == QuantInt4Block || q == QuantInt5Block || q == QuantAdaptive
}

// DType returns the storage dtype of quantized elements for non-adaptive
// policies. Adaptive tensors take the dtype from the record.
func (q QuantType) DType() DType {
	switch q {
	case QuantInt8:
		return DTypeI8
	case QuantInt4, QuantInt4Block:
		return DTypeI4
	case QuantInt5, QuantInt5Block:
		return DTypeI5
	default:
		return DTypeF32
	}
}

// ScaleType identifies the float encoding of per-block scales.
type ScaleType uint8

const (
	ScaleF32 ScaleType = iota
	ScaleF16
	ScaleBF16
)

// Size returns the encoded size of one scale, or 0 for unknown tags.
func (s ScaleType) Size() int {
	switch s {
	case ScaleF32:
		return 4
	case ScaleF16, ScaleBF16:
		return 2
	default:
		return 0
	}
}

// QuantInfo is the decoded trailer of a quantized tensor record.
// Scales and Mask reference the underlying file bytes.
type QuantInfo struct {
	Type      QuantType
	BlockSize uint16 // 0 on disk for non-blocked policies
	ScaleType ScaleType
	Scales    []byte
	Mask      []byte
}

// TensorRecord is one tensor from the weights section. Data references the
// underlying file bytes and must not be retained after File.Close.
type TensorRecord struct {
	Name  string
	Shape []uint32
	DType DType
	Data  []byte
	Quant *QuantInfo
}

// Elements returns the product of the record's dimensions.
func (r *TensorRecord) Elements() uint64 {
	n := uint64(1)
	for _, d := range r.Shape {
		n *= uint64(d)
	}
	return n
}

// Blocks returns the block size in elements and the number of blocks for a
// quantized record.
func (r *TensorRecord) Blocks() (blockSize, count uint64, err error) {
	if r.Quant == nil {
		return 0, 0, errors.New("amb: tensor is not quantized")
	}
	return blockLayout(r.Elements(), r.Quant.Type, r.Quant.BlockSize)
}

func blockLayout(elems uint64, qt QuantType, bs uint16) (blockSize, count uint64, err error) {
	if elems == 0 {
		return 0, 0, corruptf("empty quantized tensor")
	}
	if !qt.Blocked() {
		if bs != 0 {
			return 0, 0, corruptf("%s tensor with block size %d", qt, bs)
		}
		return elems, 1, nil
	}
	if bs == 0 {
		return 0, 0, corruptf("%s tensor without block size", qt)
	}
	if elems%uint64(bs) != 0 {
		return 0, 0, corruptf("block size %d does not divide %d elements", bs, elems)
	}
	return uint64(bs), elems / uint64(bs), nil
}

func parseTensorRecords(sec []byte) ([]TensorRecord, error) {
	c := &cursor{b: sec}
	var out []TensorRecord
	seen := make(map[string]struct{})

	for c.remaining() > 0 {
		start := c.off
		var rec TensorRecord
		rec.Name = c.str16("tensor name")
		ndim := int(c.u8("tensor rank"))
		if ndim > 0 {
			rec.Shape = make([]uint32, ndim)
			for i := range rec.Shape {
				rec.Shape[i] = c.u32("tensor dims")
			}
		}
		rec.DType = DType(c.u8("tensor dtype"))
		dataLen := c.u64("tensor data length")
		if c.err != nil {
			return nil, c.err
		}
		if rec.Name == "" {
			return nil, corruptf("tensor record at %d has empty name", start)
		}
		if _, dup := seen[rec.Name]; dup {
			return nil, corruptf("duplicate tensor %q", rec.Name)
		}
		if !rec.DType.Known() {
			return nil, corruptf("tensor %q has unknown dtype %d", rec.Name, rec.DType)
		}
		if dataLen > uint64(c.remaining()) {
			return nil, corruptf("tensor %q data length %d exceeds section", rec.Name, dataLen)
		}
		rec.Data = c.take(int(dataLen), "tensor data")

		if rec.DType.Quantized() {
			q := &QuantInfo{
				Type:      QuantType(c.u8("quant type")),
				BlockSize: c.u16("quant block size"),
				ScaleType: ScaleType(c.u8("scale type")),
			}
			if c.err != nil {
				return nil, c.err
			}
			if q.Type == QuantNone || int(q.Type) >= len(quantNames) {
				return nil, corruptf("tensor %q has invalid quant type %d", rec.Name, q.Type)
			}
			if q.Type != QuantAdaptive && q.Type.DType() != rec.DType {
				return nil, corruptf("tensor %q: quant type %s does not match dtype %s", rec.Name, q.Type, rec.DType)
			}
			if q.ScaleType.Size() == 0 {
				return nil, corruptf("tensor %q has invalid scale type %d", rec.Name, q.ScaleType)
			}
			_, blocks, err := blockLayout(rec.Elements(), q.Type, q.BlockSize)
			if err != nil {
				return nil, fmt.Errorf("tensor %q: %w", rec.Name, err)
			}
			scaleBytes, ok := mulUint64(blocks, uint64(q.ScaleType.Size()))
			if !ok || scaleBytes > uint64(c.remaining()) {
				return nil, corruptf("tensor %q scale array exceeds section", rec.Name)
			}
			q.Scales = c.take(int(scaleBytes), "scales")
			if q.Type == QuantAdaptive {
				q.Mask = c.take(int((blocks+7)/8), "precision mask")
			}
			if c.err != nil {
				return nil, c.err
			}
			rec.Quant = q
		}

		if pad := padLen(c.off); pad > 0 {
			if pad > c.remaining() {
				return nil, corruptf("tensor %q missing record padding", rec.Name)
			}
			for _, b := range c.take(pad, "padding") {
				if b != 0 {
					return nil, corruptf("tensor %q has non-zero padding", rec.Name)
				}
			}
		}

		seen[rec.Name] = struct{}{}
		out = append(out, rec)
	}
	return out, nil
}

func padLen(off int) int {
	return (recordAlign - off%recordAlign) % recordAlign
}

// recordSize returns the encoded size of rec including trailing padding,
// given that the record starts at a record-aligned offset.
func recordSize(rec *TensorRecord) uint64 {
	n := uint64(2 + len(rec.Name) + 1 + 4*len(rec.Shape) + 1 + 8 + len(rec.Data))
	if rec.Quant != nil {
		n += uint64(1 + 2 + 1 + len(rec.Quant.Scales) + len(rec.Quant.Mask))
	}
	return n + uint64(padLen(int(n%recordAlign)))
}

// appendRecordHead encodes everything before the payload.
func appendRecordHead(dst []byte, rec *TensorRecord) []byte {
	dst = appendStr16(dst, rec.Name)
	dst = append(dst, uint8(len(rec.Shape)))
	for _, d := range rec.Shape {
		dst = binary.LittleEndian.AppendUint32(dst, d)
	}
	dst = append(dst, uint8(rec.DType))
	return binary.LittleEndian.AppendUint64(dst, uint64(len(rec.Data)))
}

// appendRecordTail encodes the quant trailer and padding. headAndData is the
// number of bytes already written for this record.
func appendRecordTail(dst []byte, rec *TensorRecord, headAndData uint64) []byte {
	n := headAndData
	if q := rec.Quant; q != nil {
		dst = append(dst, uint8(q.Type))
		dst = binary.LittleEndian.AppendUint16(dst, q.BlockSize)
		dst = append(dst, uint8(q.ScaleType))
		dst = append(dst, q.Scales...)
		dst = append(dst, q.Mask...)
		n += uint64(4 + len(q.Scales) + len(q.Mask))
	}
	for range padLen(int(n % recordAlign)) {
		dst = append(dst, 0)
	}
	return dst
}

func validateRecord(rec *TensorRecord) error {
	if rec.Name == "" {
		return errors.New("amb: tensor name must be non-empty")
	}
	if len(rec.Name) > 0xFFFF {
		return fmt.Errorf("amb: tensor name %q too long", rec.Name)
	}
	if len(rec.Shape) > 0xFF {
		return fmt.Errorf("amb: tensor %q rank too large", rec.Name)
	}
	if !rec.DType.Known() {
		return fmt.Errorf("amb: tensor %q has unknown dtype %d", rec.Name, rec.DType)
	}
	if rec.DType.Quantized() != (rec.Quant != nil) {
		return fmt.Errorf("amb: tensor %q: quant trailer must be present exactly for quantized dtypes", rec.Name)
	}
	if rec.Quant != nil {
		_, blocks, err := blockLayout(rec.Elements(), rec.Quant.Type, rec.Quant.BlockSize)
		if err != nil {
			return fmt.Errorf("amb: tensor %q: %w", rec.Name, err)
		}
		if uint64(len(rec.Quant.Scales)) != blocks*uint64(rec.Quant.ScaleType.Size()) {
			return fmt.Errorf("amb: tensor %q: scale array holds %d bytes, want %d", rec.Name, len(rec.Quant.Scales), blocks*uint64(rec.Quant.ScaleType.Size()))
		}
		wantMask := 0
		if rec.Quant.Type == QuantAdaptive {
			wantMask = int((blocks + 7) / 8)
		}
		if len(rec.Quant.Mask) != wantMask {
			return fmt.Errorf("amb: tensor %q: precision mask holds %d bytes, want %d", rec.Name, len(rec.Quant.Mask), wantMask)
		}
	}
	return nil
}
