package decode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ibd assembles an Indoor Bike Data payload from flags plus raw field bytes.
func ibd(flags uint16, fields ...byte) []byte {
	data := make([]byte, 2, 2+len(fields))
	binary.LittleEndian.PutUint16(data, flags)
	return append(data, fields...)
}

func TestIndoorBikePowerOnly(t *testing.T) {
	out := IndoorBike(ibd(ibdFlagInstantPower, 0xFA, 0x00)) // 250 W

	require.NotNil(t, out.Power)
	assert.Equal(t, 250.0, *out.Power)
	assert.Nil(t, out.Speed)
	assert.Nil(t, out.Cadence)
}

func TestIndoorBikeSpeedScaling(t *testing.T) {
	out := IndoorBike(ibd(ibdFlagInstantSpeed, 0xBA, 0x0B)) // 3002 -> 30.02 km/h

	require.NotNil(t, out.Speed)
	assert.InDelta(t, 30.02, *out.Speed, 0.0001)
}

func TestIndoorBikeCadenceHalfRPM(t *testing.T) {
	out := IndoorBike(ibd(ibdFlagInstantCadence, 0xB4, 0x00)) // 180 -> 90 RPM

	require.NotNil(t, out.Cadence)
	assert.Equal(t, 90.0, *out.Cadence)
}

func TestIndoorBikeDiscardedFieldsKeepAlignment(t *testing.T) {
	// Speed + avg speed + power + avg power + energy + HR + MET + elapsed +
	// remaining + cadence: every discarded field must still advance the
	// offset or the cadence at the tail would misparse.
	flags := uint16(ibdFlagInstantSpeed | ibdFlagAverageSpeed | ibdFlagInstantPower |
		ibdFlagAveragePower | ibdFlagExpendedEnergy | ibdFlagHeartRate |
		ibdFlagMetabolicEq | ibdFlagElapsedTime | ibdFlagRemainingTime |
		ibdFlagInstantCadence)

	payload := ibd(flags,
		0xD0, 0x07, // speed 2000 -> 20.00 km/h
		0x11, 0x22, // avg speed (discarded)
		0xC8, 0x00, // power 200 W
		0x33, 0x44, // avg power (discarded)
		0x55, 0x66, 0x77, // energy (discarded, 3 bytes)
		0x88,       // heart rate (discarded)
		0x99,       // MET (discarded)
		0xAA, 0xBB, // elapsed (discarded)
		0xCC, 0xDD, // remaining (discarded)
		0xAE, 0x00, // cadence 174 -> 87 RPM
	)

	out := IndoorBike(payload)
	require.NotNil(t, out.Speed)
	require.NotNil(t, out.Power)
	require.NotNil(t, out.Cadence)
	assert.InDelta(t, 20.0, *out.Speed, 0.0001)
	assert.Equal(t, 200.0, *out.Power)
	assert.Equal(t, 87.0, *out.Cadence)
}

func TestIndoorBikeAbsentFieldsDoNotShiftPresent(t *testing.T) {
	// Same power bytes with and without a preceding speed field must parse
	// to the same power value.
	withSpeed := IndoorBike(ibd(ibdFlagInstantSpeed|ibdFlagInstantPower,
		0xD0, 0x07, 0xC8, 0x00))
	powerOnly := IndoorBike(ibd(ibdFlagInstantPower, 0xC8, 0x00))

	require.NotNil(t, withSpeed.Power)
	require.NotNil(t, powerOnly.Power)
	assert.Equal(t, *powerOnly.Power, *withSpeed.Power)
}

func TestIndoorBikeTruncatedPayload(t *testing.T) {
	// Power flag set but only one byte of the field present: dropped.
	out := IndoorBike(ibd(ibdFlagInstantPower, 0xC8))
	assert.Nil(t, out.Power)

	// Truncation mid-walk keeps earlier fields.
	out = IndoorBike(ibd(ibdFlagInstantSpeed|ibdFlagInstantPower, 0xD0, 0x07, 0xC8))
	require.NotNil(t, out.Speed)
	assert.Nil(t, out.Power)
}

func TestIndoorBikeMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {0x02}} {
		out := IndoorBike(data)
		assert.Nil(t, out.Speed)
		assert.Nil(t, out.Power)
		assert.Nil(t, out.Cadence)
	}
}
