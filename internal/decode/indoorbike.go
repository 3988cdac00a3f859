package decode

import "encoding/binary"

// FTMS Indoor Bike Data flag bits (characteristic 2AD2). Every optional
// field consumes a fixed width, so the parser must advance the offset for
// fields it discards or every later field would be misaligned.
const (
	ibdFlagInstantSpeed   = 0x0002
	ibdFlagAverageSpeed   = 0x0004
	ibdFlagInstantPower   = 0x0010
	ibdFlagAveragePower   = 0x0020
	ibdFlagExpendedEnergy = 0x0040
	ibdFlagHeartRate      = 0x0080
	ibdFlagMetabolicEq    = 0x0100
	ibdFlagElapsedTime    = 0x0200
	ibdFlagRemainingTime  = 0x0400
	ibdFlagInstantCadence = 0x0800
)

// IndoorBike parses an FTMS Indoor Bike Data payload. The 16-bit flags
// field selects which optional fields follow; fields the caller does not
// care about are still walked in flag-bit order. Fields cut off by a short
// payload are dropped along with everything after them.
func IndoorBike(data []byte) Values {
	var out Values

	if len(data) < 2 {
		return out
	}
	flags := binary.LittleEndian.Uint16(data[0:2])
	offset := 2

	take := func(width int) ([]byte, bool) {
		if len(data) < offset+width {
			return nil, false
		}
		field := data[offset : offset+width]
		offset += width
		return field, true
	}

	if flags&ibdFlagInstantSpeed != 0 {
		field, ok := take(2)
		if !ok {
			return out
		}
		// 0.01 km/h resolution.
		out.Speed = f64(float64(binary.LittleEndian.Uint16(field)) / 100.0)
	}

	if flags&ibdFlagAverageSpeed != 0 {
		if _, ok := take(2); !ok {
			return out
		}
	}

	if flags&ibdFlagInstantPower != 0 {
		field, ok := take(2)
		if !ok {
			return out
		}
		out.Power = f64(float64(binary.LittleEndian.Uint16(field)))
	}

	if flags&ibdFlagAveragePower != 0 {
		if _, ok := take(2); !ok {
			return out
		}
	}

	if flags&ibdFlagExpendedEnergy != 0 {
		if _, ok := take(3); !ok {
			return out
		}
	}

	if flags&ibdFlagHeartRate != 0 {
		if _, ok := take(1); !ok {
			return out
		}
	}

	if flags&ibdFlagMetabolicEq != 0 {
		if _, ok := take(1); !ok {
			return out
		}
	}

	if flags&ibdFlagElapsedTime != 0 {
		if _, ok := take(2); !ok {
			return out
		}
	}

	if flags&ibdFlagRemainingTime != 0 {
		if _, ok := take(2); !ok {
			return out
		}
	}

	if flags&ibdFlagInstantCadence != 0 {
		field, ok := take(2)
		if !ok {
			return out
		}
		// 0.5 RPM resolution.
		out.Cadence = f64(float64(binary.LittleEndian.Uint16(field)) / 2.0)
	}

	return out
}
