package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crankPayload builds a crank-only CSC Measurement.
func crankPayload(revs, eventTime uint16) []byte {
	data := make([]byte, 5)
	data[0] = cscFlagCrankData
	binary.LittleEndian.PutUint16(data[1:3], revs)
	binary.LittleEndian.PutUint16(data[3:5], eventTime)
	return data
}

// wheelPayload builds a wheel-only CSC Measurement.
func wheelPayload(revs uint32, eventTime uint16) []byte {
	data := make([]byte, 7)
	data[0] = cscFlagWheelData
	binary.LittleEndian.PutUint32(data[1:5], revs)
	binary.LittleEndian.PutUint16(data[5:7], eventTime)
	return data
}

func TestCSCFirstSampleYieldsNothing(t *testing.T) {
	var c CSC
	out := c.Decode(crankPayload(10, 1024))
	assert.Nil(t, out.Cadence, "need two points for a rate")
}

func TestCSCCadenceFromConsecutiveSamples(t *testing.T) {
	var c CSC

	c.Decode(crankPayload(10, 1024))
	// Two revolutions over exactly one second (1024 ticks) = 120 RPM.
	out := c.Decode(crankPayload(12, 2048))

	require.NotNil(t, out.Cadence)
	assert.InDelta(t, 120.0, *out.Cadence, 0.001)
}

func TestCSCCadenceEventTimeWraparound(t *testing.T) {
	var c CSC

	c.Decode(crankPayload(100, 65000))
	// Timer wraps past 65535: 65000 -> 488 is (65536+488)-65000 = 1024 ticks.
	out := c.Decode(crankPayload(101, 488))

	require.NotNil(t, out.Cadence)
	assert.InDelta(t, 60.0, *out.Cadence, 0.001)
}

func TestCSCCadenceRevolutionWraparound(t *testing.T) {
	var c CSC

	c.Decode(crankPayload(65535, 1024))
	out := c.Decode(crankPayload(1, 2048))

	require.NotNil(t, out.Cadence)
	// (65536+1)-65535 = 2 revs over 1 s.
	assert.InDelta(t, 120.0, *out.Cadence, 0.001)
}

func TestCSCZeroTimeDeltaDropped(t *testing.T) {
	var c CSC

	c.Decode(crankPayload(10, 1024))
	// Sensor retransmits the same event: no rate can be derived.
	out := c.Decode(crankPayload(10, 1024))
	assert.Nil(t, out.Cadence)
}

func TestCSCWheelSpeed(t *testing.T) {
	var c CSC

	c.Decode(wheelPayload(1000, 1024))
	// 4 revolutions of a 2.105 m wheel over one second: 8.42 m/s = 30.312 km/h.
	out := c.Decode(wheelPayload(1004, 2048))

	require.NotNil(t, out.Speed)
	assert.InDelta(t, 30.312, *out.Speed, 0.001)
}

func TestCSCWheelSpeedCustomCircumference(t *testing.T) {
	c := CSC{WheelCircumferenceMM: 2000}

	c.Decode(wheelPayload(0, 0))
	out := c.Decode(wheelPayload(5, 1024))

	require.NotNil(t, out.Speed)
	assert.InDelta(t, 36.0, *out.Speed, 0.001)
}

func TestCSCCombinedWheelAndCrank(t *testing.T) {
	var c CSC

	combined := func(wrevs uint32, wtime uint16, crevs, ctime uint16) []byte {
		data := make([]byte, 11)
		data[0] = cscFlagWheelData | cscFlagCrankData
		binary.LittleEndian.PutUint32(data[1:5], wrevs)
		binary.LittleEndian.PutUint16(data[5:7], wtime)
		binary.LittleEndian.PutUint16(data[7:9], crevs)
		binary.LittleEndian.PutUint16(data[9:11], ctime)
		return data
	}

	c.Decode(combined(100, 1024, 10, 1024))
	out := c.Decode(combined(104, 2048, 11, 2048))

	require.NotNil(t, out.Speed)
	require.NotNil(t, out.Cadence)
	assert.InDelta(t, 60.0, *out.Cadence, 0.001)
}

func TestCSCMalformed(t *testing.T) {
	var c CSC
	for _, data := range [][]byte{nil, {}, {cscFlagCrankData}, {cscFlagCrankData, 1, 2, 3}, {cscFlagWheelData, 1, 2, 3, 4, 5}} {
		out := c.Decode(data)
		assert.Nil(t, out.Speed)
		assert.Nil(t, out.Cadence)
	}
}

func TestCSCResetDropsHistory(t *testing.T) {
	var c CSC

	c.Decode(crankPayload(10, 1024))
	c.Reset()
	out := c.Decode(crankPayload(12, 2048))
	assert.Nil(t, out.Cadence, "post-reset sample is a first sample again")
}
