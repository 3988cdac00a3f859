// Package metrics defines the normalized metric model shared by every
// device session and consumer: the closed Kind enumeration, immutable
// Samples, the staleness-aware Buffer, and an insertion-ordered Kind set.
package metrics

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies a normalized cycling metric. The enumeration is closed:
// decoders can only ever produce these kinds, which rules out the
// "stringly-typed metric name" growth the buffer would otherwise have to
// tolerate.
type Kind uint8

const (
	HeartRate Kind = iota
	Power
	Speed
	Cadence
	Distance

	numKinds
)

// Kinds lists every metric kind in canonical order.
func Kinds() []Kind {
	return []Kind{HeartRate, Power, Speed, Cadence, Distance}
}

func (k Kind) String() string {
	switch k {
	case HeartRate:
		return "heart_rate"
	case Power:
		return "power"
	case Speed:
		return "speed"
	case Cadence:
		return "cadence"
	case Distance:
		return "distance"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DisplayName returns the human-facing label for k.
func (k Kind) DisplayName() string {
	switch k {
	case HeartRate:
		return "Heart Rate"
	case Power:
		return "Power"
	case Speed:
		return "Speed"
	case Cadence:
		return "Cadence"
	case Distance:
		return "Distance"
	default:
		return k.String()
	}
}

// Unit returns the fixed unit for k.
func (k Kind) Unit() string {
	switch k {
	case HeartRate:
		return "BPM"
	case Power:
		return "W"
	case Speed:
		return "km/h"
	case Cadence:
		return "RPM"
	case Distance:
		return "km"
	default:
		return ""
	}
}

// Round applies the canonical rounding rule for k: speed keeps one decimal,
// everything else rounds to an integer. Applied at buffering time, not at
// decode time.
func (k Kind) Round(v float64) float64 {
	if k == Speed {
		return math.Round(v*10) / 10
	}
	return math.Round(v)
}

// KindFromName maps a config-file metric name to its Kind.
func KindFromName(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Sample is one decoded metric reading. Immutable once produced by a
// decoder inside a session's notification handler.
type Sample struct {
	Kind  Kind
	Value float64
	At    time.Time
}
