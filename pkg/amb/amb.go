// Package amb implements the AMB model container format.
//
// An AMB file is a fixed 28-byte header followed by four sections in a fixed
// order: metadata JSON, config JSON, tokenizer, and tensor records. The
// container describes structure and data only; it never implies runtime
// behaviour.
package amb

// AMB global constants must never change.
const (
	// Magic is the 5-byte file identifier.
	Magic = "AMBEE"

	// CurrentVersion is the only format version this package reads and writes.
	CurrentVersion uint8 = 1

	// HeaderSize is the fixed size of the encoded header.
	HeaderSize = 28

	// recordAlign is the alignment of tensor records, relative to the start
	// of the weights section.
	recordAlign = 8
)

// Header is the decoded fixed-size file header.
type Header struct {
	Magic         [5]byte
	Version       uint8
	Flags         uint16
	MetadataSize  uint32
	ConfigSize    uint32
	TokenizerSize uint32
	WeightsSize   uint64
}

// Compatible reports whether this package understands the header's version.
func (h *Header) Compatible() bool {
	return h.Version == CurrentVersion
}

// FileSize returns the total file length implied by the section sizes.
// ok is false if the sum overflows.
func (h *Header) FileSize() (uint64, bool) {
	total := uint64(HeaderSize)
	for _, n := range []uint64{uint64(h.MetadataSize), uint64(h.ConfigSize), uint64(h.TokenizerSize), h.WeightsSize} {
		var ok bool
		total, ok = addUint64(total, n)
		if !ok {
			return 0, false
		}
	}
	return total, true
}

func addUint64(a, b uint64) (uint64, bool) {
	if a > ^uint64(0)-b {
		return 0, false
	}
	return a + b, true
}

func mulUint64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > ^uint64(0)/b {
		return 0, false
	}
	return a * b, true
}
