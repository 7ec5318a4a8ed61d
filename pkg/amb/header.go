package amb

import "encoding/binary"

// encodeHeader writes h into dst using explicit little-endian encoding.
func encodeHeader(dst []byte, h Header) bool {
	if len(dst) < HeaderSize {
		return false
	}
	copy(dst[0:5], h.Magic[:])
	dst[5] = h.Version
	binary.LittleEndian.PutUint16(dst[6:8], h.Flags)
	binary.LittleEndian.PutUint32(dst[8:12], h.MetadataSize)
	binary.LittleEndian.PutUint32(dst[12:16], h.ConfigSize)
	binary.LittleEndian.PutUint32(dst[16:20], h.TokenizerSize)
	binary.LittleEndian.PutUint64(dst[20:28], h.WeightsSize)
	return true
}

func decodeHeader(src []byte) (Header, bool) {
	if len(src) < HeaderSize {
		return Header{}, false
	}
	var h Header
	copy(h.Magic[:], src[0:5])
	h.Version = src[5]
	h.Flags = binary.LittleEndian.Uint16(src[6:8])
	h.MetadataSize = binary.LittleEndian.Uint32(src[8:12])
	h.ConfigSize = binary.LittleEndian.Uint32(src[12:16])
	h.TokenizerSize = binary.LittleEndian.Uint32(src[16:20])
	h.WeightsSize = binary.LittleEndian.Uint64(src[20:28])
	return h, true
}

// DecodeHeader decodes and validates the magic and version of a header
// prefix. Section sizes are returned untrusted.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < len(Magic) || string(src[:len(Magic)]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h, ok := decodeHeader(src)
	if !ok {
		return Header{}, corruptf("truncated header")
	}
	if !h.Compatible() {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}
