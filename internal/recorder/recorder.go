// Package recorder accumulates the ride log: one timestamped snapshot row
// per tick, kept for a rolling window. The FIT serializer consumes the
// rows after the ride; the recorder itself never touches disk.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/veloterm/internal/groutine"
	"github.com/srg/veloterm/internal/metrics"
)

// Options holds the recorder knobs.
type Options struct {
	// Interval is the sampling cadence.
	Interval time.Duration `default:"1s"`
	// Retention is the rolling window; rows older than this are dropped.
	Retention time.Duration `default:"1h"`
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Row is one recorded snapshot.
type Row struct {
	At     time.Time
	Values map[string]float64
}

// Recorder samples the shared metric buffer on a fixed cadence.
type Recorder struct {
	logger *logrus.Logger
	buffer *metrics.Buffer
	opts   *Options
	now    func() time.Time

	mu   sync.Mutex
	rows []Row
}

// New creates a recorder over the shared buffer.
func New(logger *logrus.Logger, buffer *metrics.Buffer, opts *Options) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Recorder{
		logger: logger,
		buffer: buffer,
		opts:   opts,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Run samples the buffer until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	groutine.Go(ctx, "recorder", func(ctx context.Context) {
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Tick()
			case <-ctx.Done():
				return
			}
		}
	})
}

// Tick records one snapshot row. Empty snapshots are skipped: before any
// device has reported, there is no ride to record.
func (r *Recorder) Tick() {
	values := r.buffer.SnapshotNamed()
	if len(values) == 0 {
		return
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, Row{At: now, Values: values})
	r.prune(now)
}

// prune drops rows that fell out of the retention window. Rows are
// appended in time order, so the survivors are a suffix.
func (r *Recorder) prune(now time.Time) {
	cutoff := now.Add(-r.opts.Retention)
	first := 0
	for first < len(r.rows) && r.rows[first].At.Before(cutoff) {
		first++
	}
	if first > 0 {
		r.rows = append([]Row(nil), r.rows[first:]...)
	}
}

// Rows returns a copy of the recorded window in time order.
func (r *Recorder) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// Len returns the number of recorded rows.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
