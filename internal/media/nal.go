package media

import "encoding/binary"

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var startCode = []byte{0, 0, 0, 1}

// NALType returns nal_unit_type from the first byte of a NAL unit, or -1
// for an empty unit.
func NALType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0] & 0x1F)
}

func isVCL(t int) bool { return t == NALTypeSlice || t == NALTypeIDR }

// IsAnnexB reports whether b begins with a 3 or 4 byte start code.
func IsAnnexB(b []byte) bool {
	if len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1 {
		return true
	}
	return len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1
}

// SplitAnnexB splits a byte stream on start codes. Returned NAL units
// alias b and carry no start code.
func SplitAnnexB(b []byte) [][]byte {
	var out [][]byte
	start := -1
	i := 0
	for i+2 < len(b) {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				end := i
				if end > start && b[end-1] == 0 {
					end--
				}
				if end > start {
					out = append(out, b[start:end])
				}
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(b) {
		out = append(out, b[start:])
	}
	return out
}

// SplitAVCC splits 4-byte big-endian length-prefixed NAL units, the framing
// produced by VideoToolbox encoders. ok is false when the lengths do not
// exactly tile b.
func SplitAVCC(b []byte) (nalus [][]byte, ok bool) {
	off := 0
	for off < len(b) {
		if off+4 > len(b) {
			return nil, false
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n == 0 || off+n > len(b) {
			return nil, false
		}
		nalus = append(nalus, b[off:off+n])
		off += n
	}
	return nalus, len(nalus) > 0
}

// NALUnits returns the NAL units of an access unit in AVCC or Annex B
// framing. AVCC is tried first since a length prefix of 256..511 looks like
// a 3 byte start code. Anything else is treated as a single bare NAL unit.
func NALUnits(au []byte) [][]byte {
	if nalus, ok := SplitAVCC(au); ok {
		return nalus
	}
	if IsAnnexB(au) {
		return SplitAnnexB(au)
	}
	if len(au) == 0 {
		return nil
	}
	return [][]byte{au}
}

// IsKeyframe reports whether au carries an IDR slice or an SPS, i.e. a
// point where a decoder can start.
func IsKeyframe(au []byte) bool {
	for _, n := range NALUnits(au) {
		switch NALType(n) {
		case NALTypeIDR, NALTypeSPS:
			return true
		}
	}
	return false
}

// GroupAccessUnits groups NAL units into access units. Every NAL that
// follows a VCL NAL opens a new unit, so multi-slice pictures are split
// per slice.
func GroupAccessUnits(nalus [][]byte) [][][]byte {
	var aus [][][]byte
	var cur [][]byte
	sawVCL := false
	for _, n := range nalus {
		if sawVCL && len(cur) > 0 {
			aus = append(aus, cur)
			cur = nil
			sawVCL = false
		}
		cur = append(cur, n)
		if isVCL(NALType(n)) {
			sawVCL = true
		}
	}
	if len(cur) > 0 {
		aus = append(aus, cur)
	}
	return aus
}

// JoinAnnexB concatenates NAL units with 4-byte start codes.
func JoinAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(startCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, startCode...)
		out = append(out, n...)
	}
	return out
}
