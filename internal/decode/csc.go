package decode

import "encoding/binary"

// DefaultWheelCircumferenceMM is the circumference used to turn wheel
// revolutions into distance when the config does not override it (700x25c).
const DefaultWheelCircumferenceMM = 2105

const (
	cscFlagWheelData = 0x01
	cscFlagCrankData = 0x02
)

// CSC accumulates CSC Measurement payloads (characteristic 2A5B) and
// derives speed and cadence rates from consecutive cumulative readings.
//
// The characteristic reports cumulative counters plus a 1/1024 s event
// timestamp, so a single payload carries no rate: the first measurement
// after connecting yields nothing and each later one is computed against
// its predecessor. Both the crank counters and the event timers are 16-bit
// and wrap; the wheel counter is 32-bit.
//
// Not safe for concurrent use; each session owns one CSC per connection.
type CSC struct {
	WheelCircumferenceMM int

	haveWheel      bool
	lastWheelRevs  uint32
	lastWheelTime  uint16
	haveCrank      bool
	lastCrankRevs  uint16
	lastCrankTime  uint16
}

// Reset drops the accumulated readings. Called on reconnect so a stale
// pre-disconnect counter never pairs with a fresh one.
func (c *CSC) Reset() {
	c.haveWheel = false
	c.haveCrank = false
}

// Decode parses one CSC Measurement payload and returns whatever rates it
// can derive. Malformed payloads yield empty Values.
func (c *CSC) Decode(data []byte) Values {
	var out Values

	if len(data) < 1 {
		return out
	}
	flags := data[0]
	offset := 1

	if flags&cscFlagWheelData != 0 {
		if len(data) < offset+6 {
			return out
		}
		revs := binary.LittleEndian.Uint32(data[offset : offset+4])
		eventTime := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
		offset += 6

		if c.haveWheel {
			if speed, ok := c.wheelSpeed(revs, eventTime); ok {
				out.Speed = f64(speed)
			}
		}
		c.haveWheel = true
		c.lastWheelRevs = revs
		c.lastWheelTime = eventTime
	}

	if flags&cscFlagCrankData != 0 {
		if len(data) < offset+4 {
			return out
		}
		revs := binary.LittleEndian.Uint16(data[offset : offset+2])
		eventTime := binary.LittleEndian.Uint16(data[offset+2 : offset+4])

		if c.haveCrank {
			if cadence, ok := c.crankCadence(revs, eventTime); ok {
				out.Cadence = f64(cadence)
			}
		}
		c.haveCrank = true
		c.lastCrankRevs = revs
		c.lastCrankTime = eventTime
	}

	return out
}

// wheelSpeed returns km/h derived from two consecutive wheel readings.
func (c *CSC) wheelSpeed(revs uint32, eventTime uint16) (float64, bool) {
	dt := timerDelta(c.lastWheelTime, eventTime)
	if dt <= 0 {
		return 0, false
	}

	// 32-bit cumulative counter; wrap adds 2^32.
	drevs := int64(revs) - int64(c.lastWheelRevs)
	if drevs < 0 {
		drevs += 1 << 32
	}

	circ := c.WheelCircumferenceMM
	if circ <= 0 {
		circ = DefaultWheelCircumferenceMM
	}

	meters := float64(drevs) * float64(circ) / 1000.0
	return meters / dt * 3.6, true
}

// crankCadence returns RPM derived from two consecutive crank readings.
func (c *CSC) crankCadence(revs, eventTime uint16) (float64, bool) {
	dt := timerDelta(c.lastCrankTime, eventTime)
	if dt <= 0 {
		return 0, false
	}

	drevs := int(revs) - int(c.lastCrankRevs)
	if drevs < 0 {
		drevs += 1 << 16
	}

	return float64(drevs) * 60.0 / dt, true
}

// timerDelta returns seconds between two 16-bit 1/1024 s event timestamps,
// correcting for wraparound past 65535.
func timerDelta(prev, cur uint16) float64 {
	t := int(cur)
	if t < int(prev) {
		t += 1 << 16
	}
	return float64(t-int(prev)) / 1024.0
}
