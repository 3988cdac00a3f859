package metrics

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
)

// BufferOptions configures a Buffer.
type BufferOptions struct {
	// StaleThreshold is how long a metric's last value stays representative.
	// Past it, Snapshot applies the per-kind staleness policy.
	StaleThreshold time.Duration `default:"2s"`
}

// DefaultBufferOptions returns BufferOptions populated from the struct tags.
func DefaultBufferOptions() *BufferOptions {
	opts := &BufferOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// slot is the stored state for one kind. Slots are immutable: Update
// replaces the whole pointer, so a concurrent Snapshot never observes a
// torn value/timestamp pair.
type slot struct {
	value float64
	at    time.Time
}

// Buffer is the last-write-wins per-kind value cache shared by all device
// sessions (producers) and the UI/web readers (consumers). Each update
// swaps a per-key pointer in a lock-free map; there is deliberately no
// buffer-wide lock, so unrelated devices' notification handlers never
// serialize on each other.
type Buffer struct {
	slots     *hashmap.Map[Kind, *slot]
	threshold time.Duration
	now       func() time.Time
}

// NewBuffer creates a Buffer. A nil opts uses defaults.
func NewBuffer(opts *BufferOptions) *Buffer {
	if opts == nil {
		opts = DefaultBufferOptions()
	}
	return &Buffer{
		slots:     hashmap.New[Kind, *slot](),
		threshold: opts.StaleThreshold,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests use it to step through the
// staleness window deterministically.
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}

// Update records a new value for kind, applying the kind's canonical
// rounding and stamping the update time. Safe for concurrent use from
// multiple sessions.
func (b *Buffer) Update(kind Kind, value float64) {
	b.slots.Set(kind, &slot{value: kind.Round(value), at: b.now()})
}

// Get returns the raw last value and update time for kind, without the
// staleness policy applied.
func (b *Buffer) Get(kind Kind) (float64, time.Time, bool) {
	s, ok := b.slots.Get(kind)
	if !ok {
		return 0, time.Time{}, false
	}
	return s.value, s.at, true
}

// Has reports whether kind has ever been updated.
func (b *Buffer) Has(kind Kind) bool {
	_, ok := b.slots.Get(kind)
	return ok
}

// Snapshot returns the current best-known value for every kind ever
// updated, applying the staleness policy: a cadence older than the
// threshold reads as 0 (the rider stopped pedaling and the sensor simply
// stopped transmitting), any other stale kind keeps its last value
// (those sensors report true zeros themselves while connected).
//
// Safe to call at any cadence, concurrently with Update; two back-to-back
// calls with no intervening Update return identical maps.
func (b *Buffer) Snapshot() map[Kind]float64 {
	now := b.now()
	out := make(map[Kind]float64, b.slots.Len())
	b.slots.Range(func(kind Kind, s *slot) bool {
		if now.Sub(s.at) > b.threshold && kind == Cadence {
			out[kind] = 0
		} else {
			out[kind] = s.value
		}
		return true
	})
	return out
}

// SnapshotNamed is Snapshot keyed by the wire/config metric names. The web
// layer serializes it directly.
func (b *Buffer) SnapshotNamed() map[string]float64 {
	snap := b.Snapshot()
	out := make(map[string]float64, len(snap))
	for k, v := range snap {
		out[k.String()] = v
	}
	return out
}
