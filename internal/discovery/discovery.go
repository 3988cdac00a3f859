// Package discovery scans for nearby peripherals and classifies them into
// the device classes the session layer knows how to drive. Its output
// feeds the configuration generator.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/veloterm/internal/ble"
	"github.com/srg/veloterm/internal/ringchan"
	"github.com/srg/veloterm/internal/session"
)

// EventType marks whether a device was newly discovered or updated.
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Found is one discovered peripheral.
type Found struct {
	Name     string
	Address  string
	RSSI     int
	Services []string
	// Class is meaningful only when Classified is true.
	Class      session.Class
	Classified bool
}

// Event is emitted on the scanner's event channel for live displays.
type Event struct {
	Type   EventType
	Device Found
}

// Options configures scanning behavior.
type Options struct {
	// Duration bounds the scan window.
	Duration time.Duration `default:"10s"`
	// ClassifiedOnly drops devices that match no known class.
	ClassifiedOnly bool
	// BlockList excludes devices by address.
	BlockList []string
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// Scanner performs discovery sweeps over a BLE gateway.
type Scanner struct {
	gateway ble.Gateway
	logger  *logrus.Logger
	devices *hashmap.Map[string, *Found]
	events  *ringchan.Ring[Event]
}

// NewScanner creates a scanner. The event channel is bounded; a slow
// consumer loses the oldest events, never blocks the scan.
func NewScanner(gateway ble.Gateway, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		gateway: gateway,
		logger:  logger,
		events:  ringchan.New[Event](100),
	}
}

// Events exposes the live discovery event stream.
func (s *Scanner) Events() <-chan Event { return s.events.C() }

// Scan sweeps for the configured duration and returns every device seen,
// keyed by address. Context cancellation ends the sweep early with the
// results gathered so far.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) (map[string]Found, error) {
	s.devices = hashmap.New[string, *Found]()

	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan")
	progress("Scanning")

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	err := s.gateway.Scan(scanCtx, false, func(adv ble.Advertisement) {
		s.handleAdvertisement(adv, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progress("Processing results")

	out := make(map[string]Found, s.devices.Len())
	s.devices.Range(func(addr string, dev *Found) bool {
		out[addr] = *dev
		return true
	})
	return out, nil
}

func (s *Scanner) handleAdvertisement(adv ble.Advertisement, opts *Options) {
	addr := adv.Addr()
	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return
		}
	}

	class, ok := session.Classify(adv.LocalName(), adv.Services())
	if opts.ClassifiedOnly && !ok {
		return
	}

	found := &Found{
		Name:       adv.LocalName(),
		Address:    addr,
		RSSI:       adv.RSSI(),
		Services:   adv.Services(),
		Class:      class,
		Classified: ok,
	}

	prev, existed := s.devices.Get(addr)
	if existed {
		// Later advertisements may fill in fields the first one lacked.
		if found.Name == "" {
			found.Name = prev.Name
		}
		if len(found.Services) == 0 {
			found.Services = prev.Services
		}
		if !found.Classified && prev.Classified {
			found.Class, found.Classified = prev.Class, true
		}
		s.devices.Set(addr, found)
		s.events.Send(Event{Type: EventUpdated, Device: *found})
		return
	}

	s.devices.Set(addr, found)
	fields := logrus.Fields{
		"device":  found.Name,
		"address": found.Address,
		"rssi":    found.RSSI,
	}
	if ok {
		fields["class"] = class.String()
	}
	s.logger.WithFields(fields).Info("Discovered new device")
	s.events.Send(Event{Type: EventNew, Device: *found})
}

// Classified returns the subset of a scan result that mapped to a device
// class, at most one device per class, preferring the strongest signal.
func Classified(devices map[string]Found) []Found {
	best := make(map[session.Class]Found)
	for _, dev := range devices {
		if !dev.Classified {
			continue
		}
		cur, ok := best[dev.Class]
		if !ok || dev.RSSI > cur.RSSI {
			best[dev.Class] = dev
		}
	}
	out := make([]Found, 0, len(best))
	for _, class := range []session.Class{session.ClassHeartRate, session.ClassTrainer, session.ClassSpeedCadence} {
		if dev, ok := best[class]; ok {
			out = append(out, dev)
		}
	}
	return out
}
