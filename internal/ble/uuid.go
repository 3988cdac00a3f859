package ble

import "strings"

// Standard and vendor UUIDs the sessions care about, in normalized
// (lowercase, dashless) 128-bit form.
const (
	ServiceHeartRate     = "0000180d00001000800000805f9b34fb"
	CharHeartRateMeasure = "00002a3700001000800000805f9b34fb"

	ServiceCyclingSpeedCadence = "0000181600001000800000805f9b34fb"
	CharCSCMeasurement         = "00002a5b00001000800000805f9b34fb"
	CharSCControlPoint         = "00002a5500001000800000805f9b34fb"

	ServiceFitnessMachine = "0000182600001000800000805f9b34fb"
	CharIndoorBikeData    = "00002ad200001000800000805f9b34fb"
	CharFTMSControlPoint  = "00002ad900001000800000805f9b34fb"

	ServiceCyclingPower  = "0000181800001000800000805f9b34fb"
	CharPowerMeasurement = "00002a6300001000800000805f9b34fb"

	ServiceBattery   = "0000180f00001000800000805f9b34fb"
	CharBatteryLevel = "00002a1900001000800000805f9b34fb"

	// Wahoo vendor namespace. Everything under the a026e0 prefix belongs to
	// proprietary Wahoo framing.
	WahooServicePrefix = "a026e0"
	ServiceWahoo       = "a026e0050a7d4ab397faf1500f9feb8b"
	CharWahooData      = "a026e0060a7d4ab397faf1500f9feb8b"

	// Nordic UART, used as a fallback data path by InsideRide trainers.
	ServiceUART = "6e400001b5a3f393e0a9e50e24dcca9e"
	CharUARTRx  = "6e400003b5a3f393e0a9e50e24dcca9e"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG 128-bit base UUID,
// used to expand 16-bit short forms.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to comparable form: lowercase, dashes
// stripped, 16-bit and 32-bit short forms expanded against the Bluetooth
// base UUID.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
	switch len(u) {
	case 4:
		return "0000" + u + bluetoothBaseSuffix
	case 8:
		return u + bluetoothBaseSuffix
	default:
		return u
	}
}

// UUIDEqual compares two UUIDs in any accepted written form.
func UUIDEqual(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// HasVendorPrefix reports whether uuid falls under the given normalized
// vendor prefix (e.g. the Wahoo a026e0 namespace).
func HasVendorPrefix(uuid, prefix string) bool {
	return strings.HasPrefix(NormalizeUUID(uuid), prefix)
}

// ContainsUUID reports whether list contains uuid, comparing normalized.
func ContainsUUID(list []string, uuid string) bool {
	want := NormalizeUUID(uuid)
	for _, u := range list {
		if NormalizeUUID(u) == want {
			return true
		}
	}
	return false
}
