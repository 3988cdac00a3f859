package decode

import "encoding/binary"

// maxPlausibleCadence caps the heuristic: anything above 200 RPM is not a
// cadence reading a human produced.
const maxPlausibleCadence = 200

// Wahoo extracts cadence candidates from a proprietary Wahoo frame. The
// frame format is undocumented, so this is a best-effort heuristic, not a
// trustworthy decode: byte 0 is tried as an 8-bit cadence and bytes 0-1 as
// a 16-bit little-endian one, and each value inside [0, 200] RPM is
// returned as a candidate (later candidates supersede earlier ones at the
// buffer). Callers should treat the output accordingly.
func Wahoo(data []byte) []float64 {
	var candidates []float64

	if len(data) >= 1 {
		if v := int(data[0]); v <= maxPlausibleCadence {
			candidates = append(candidates, float64(v))
		}
	}

	if len(data) >= 2 {
		if v := int(binary.LittleEndian.Uint16(data[0:2])); v <= maxPlausibleCadence {
			candidates = append(candidates, float64(v))
		}
	}

	return candidates
}
