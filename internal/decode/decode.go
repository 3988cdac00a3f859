// Package decode turns raw BLE characteristic payloads into normalized
// metric values. Decoders follow one contract: malformed or out-of-range
// input yields no values, never an error or a panic, because a single bad
// frame must not interrupt a live notification stream.
package decode

// Values holds the optional metrics one payload can carry. A nil field
// means the payload did not contain that metric.
type Values struct {
	Speed   *float64 // km/h
	Power   *float64 // watts
	Cadence *float64 // RPM
}

func f64(v float64) *float64 { return &v }
