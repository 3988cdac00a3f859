package decode

import "encoding/binary"

// HeartRate parses a Heart Rate Measurement payload (characteristic 2A37).
// Bit 0 of the flags byte selects an 8-bit or 16-bit little-endian value at
// offset 1. Returns false for payloads too short to carry the value.
func HeartRate(data []byte) (float64, bool) {
	if len(data) < 2 {
		return 0, false
	}

	if data[0]&0x01 != 0 {
		if len(data) < 3 {
			return 0, false
		}
		return float64(binary.LittleEndian.Uint16(data[1:3])), true
	}
	return float64(data[1]), true
}
