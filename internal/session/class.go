// Package session implements the per-device BLE connection state machine:
// discovery, connect with retry, service enumeration, notification
// subscription with vendor wake-ups, and decoded-metric emission.
package session

import (
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/srg/veloterm/internal/ble"
)

// Class tags the kind of peripheral a session manages. Behavior is shared
// across classes; the tag only drives discovery heuristics, decoder routing
// and wake-up sequences.
type Class int

const (
	ClassHeartRate Class = iota
	ClassTrainer
	ClassSpeedCadence
)

func (c Class) String() string {
	switch c {
	case ClassHeartRate:
		return "heart_rate"
	case ClassTrainer:
		return "trainer"
	case ClassSpeedCadence:
		return "speed_cadence"
	default:
		return "unknown"
	}
}

// classProfile captures what differs between device classes.
type classProfile struct {
	// serviceUUIDs are the advertised services that identify this class.
	serviceUUIDs []string
	// measurementUUID is the primary notification characteristic.
	measurementUUID string
	// fallbackDataUUIDs are known alternate data characteristics tried
	// before falling back to subscribe-everything.
	fallbackDataUUIDs []string
	// nameHints are vendor name heuristics: a device matches a hint group
	// when its name contains every word in the group.
	nameHints [][]string
	// vendorPrefixes are normalized vendor service UUID prefixes.
	vendorPrefixes []string
	// preConnectSettle is a vendor quirk: some peripherals reject
	// connections issued immediately after advertising.
	preConnectSettle time.Duration
}

func profileFor(class Class) classProfile {
	switch class {
	case ClassHeartRate:
		return classProfile{
			serviceUUIDs:    []string{ble.ServiceHeartRate},
			measurementUUID: ble.CharHeartRateMeasure,
		}
	case ClassTrainer:
		return classProfile{
			serviceUUIDs:      []string{ble.ServiceFitnessMachine, ble.ServiceUART},
			measurementUUID:   ble.CharIndoorBikeData,
			fallbackDataUUIDs: []string{ble.CharUARTRx},
			nameHints:         [][]string{{"insideride"}, {"e-motion"}, {"7578h"}},
		}
	case ClassSpeedCadence:
		return classProfile{
			serviceUUIDs:      []string{ble.ServiceCyclingSpeedCadence},
			measurementUUID:   ble.CharCSCMeasurement,
			fallbackDataUUIDs: []string{ble.CharWahooData},
			nameHints:         [][]string{{"wahoo", "cadence"}},
			vendorPrefixes:    []string{ble.WahooServicePrefix},
			preConnectSettle:  1500 * time.Millisecond,
		}
	default:
		return classProfile{}
	}
}

// Classify guesses the class of an advertised device from its service
// UUIDs, then its name, then vendor service prefixes. The second return is
// false for devices that match no known class.
func Classify(name string, services []string) (Class, bool) {
	classes := []Class{ClassHeartRate, ClassTrainer, ClassSpeedCadence}

	for _, class := range classes {
		p := profileFor(class)
		for _, svc := range p.serviceUUIDs {
			if ble.ContainsUUID(services, svc) {
				return class, true
			}
		}
	}
	for _, class := range classes {
		if matchesHints(name, profileFor(class).nameHints) {
			return class, true
		}
	}
	for _, class := range classes {
		for _, prefix := range profileFor(class).vendorPrefixes {
			for _, svc := range services {
				if ble.HasVendorPrefix(svc, prefix) {
					return class, true
				}
			}
		}
	}
	return 0, false
}

// Options holds the session timing knobs. Defaults mirror the behavior the
// supported sensors need in practice.
type Options struct {
	// ScanTimeout bounds passive discovery.
	ScanTimeout time.Duration `default:"10s"`
	// ConnectTimeout bounds a single GATT dial attempt.
	ConnectTimeout time.Duration `default:"10s"`
	// ConnectAttempts is the dial retry budget.
	ConnectAttempts int `default:"3"`
	// ConnectBackoff is slept between dial attempts.
	ConnectBackoff time.Duration `default:"1s"`
	// DiscoverySettle is slept after connect before service enumeration,
	// which is unreliable immediately after the link comes up on some
	// stacks.
	DiscoverySettle time.Duration `default:"500ms"`
	// ControlPointDelay is slept between trainer control point commands.
	ControlPointDelay time.Duration `default:"500ms"`
	// NotificationGrace is how long an Active session may stay silent
	// before the user gets a hint. Silence is not an error: some sensors
	// transmit only when physically actuated.
	NotificationGrace time.Duration `default:"5s"`
	// LowBatteryPercent is the threshold for the battery warning.
	LowBatteryPercent int `default:"20"`
	// TraceCapacity bounds the raw-payload debug ring.
	TraceCapacity int `default:"100"`
	// VendorHeuristic enables best-effort cadence decoding of undocumented
	// vendor frames. The frame format is guessed, not specified; disable
	// this to accept standard CSC data only.
	VendorHeuristic bool `default:"true"`
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}
