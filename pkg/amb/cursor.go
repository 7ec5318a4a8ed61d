package amb

import (
	"encoding/binary"
	"math"
)

// cursor reads little-endian fields from a section payload. The first
// overrun latches err and every later read returns zero values.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) take(n int, what string) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.b)-c.off {
		c.err = corruptf("truncated %s at offset %d", what, c.off)
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8(what string) uint8 {
	p := c.take(1, what)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *cursor) u16(what string) uint16 {
	p := c.take(2, what)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (c *cursor) u32(what string) uint32 {
	p := c.take(4, what)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (c *cursor) u64(what string) uint64 {
	p := c.take(8, what)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (c *cursor) f32(what string) float32 {
	return math.Float32frombits(c.u32(what))
}

func (c *cursor) str16(what string) string {
	n := c.u16(what)
	return string(c.take(int(n), what))
}

func (c *cursor) remaining() int {
	return len(c.b) - c.off
}

func appendStr16(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}
