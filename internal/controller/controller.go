// Package controller owns the set of device sessions, fans their samples
// into the shared metric buffer, and distributes them to consumers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/veloterm/internal/ble"
	"github.com/srg/veloterm/internal/groutine"
	"github.com/srg/veloterm/internal/metrics"
	"github.com/srg/veloterm/internal/session"
)

// ErrListenTimeout is returned when listening mode ends with configured
// devices still missing.
var ErrListenTimeout = errors.New("timed out waiting for devices")

// Options holds the controller timing knobs.
type Options struct {
	// PollInterval is the listening-mode reconnect cadence.
	PollInterval time.Duration `default:"2s"`
	// RefreshInterval is the run-loop cadence for re-scanning each
	// session's available metrics.
	RefreshInterval time.Duration `default:"1s"`
	// ShutdownGrace bounds the concurrent disconnect fan-out; a stuck
	// device forfeits its clean teardown rather than blocking the rest.
	ShutdownGrace time.Duration `default:"5s"`
}

// DefaultOptions returns Options populated from the struct tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Device is one configured or discovered peripheral.
type Device struct {
	Class session.Class
	Name  string
	Addr  string
	// Allowed restricts which metric kinds this device may contribute.
	// Empty means no restriction. A trainer configured for power only
	// must not claim speed or cadence ownership from dedicated sensors.
	Allowed []metrics.Kind
}

type entry struct {
	device  Device
	sess    *session.Session
	allowed map[metrics.Kind]bool // nil allows everything
}

// Controller drives all sessions, merges their metric streams into one
// buffer, and exposes the union of available metrics.
type Controller struct {
	logger  *logrus.Logger
	buffer  *metrics.Buffer
	opts    *Options
	entries []*entry

	available *metrics.Set
	status    session.StatusCallback

	subMu       sync.RWMutex
	subscribers []session.DataCallback

	runCancel atomic.Pointer[context.CancelFunc]
}

// Config describes how to build a controller.
type Config struct {
	Devices        []Device
	Options        *Options
	SessionOptions *session.Options
	OnStatus       session.StatusCallback
}

// New builds a controller with one session per configured device. Sessions
// share the gateway and the buffer but nothing else.
func New(gateway ble.Gateway, logger *logrus.Logger, buffer *metrics.Buffer, cfg Config) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	opts := cfg.Options
	if opts == nil {
		opts = DefaultOptions()
	}

	c := &Controller{
		logger:    logger,
		buffer:    buffer,
		opts:      opts,
		available: metrics.NewSet(),
		status:    cfg.OnStatus,
	}

	for _, dev := range cfg.Devices {
		e := &entry{device: dev}
		if len(dev.Allowed) > 0 {
			e.allowed = make(map[metrics.Kind]bool, len(dev.Allowed))
			for _, kind := range dev.Allowed {
				e.allowed[kind] = true
			}
		}
		e.sess = session.New(gateway, logger, session.Config{
			Class:      dev.Class,
			TargetName: dev.Name,
			TargetAddr: dev.Addr,
			Options:    cfg.SessionOptions,
			OnStatus:   cfg.OnStatus,
			OnSample: func(s metrics.Sample) {
				c.handleSample(e, s)
			},
		})
		c.entries = append(c.entries, e)
	}
	return c
}

// handleSample applies the device's allowed-kind filter, records the value,
// and fans it out. It runs on the BLE delivery goroutine and must stay
// non-blocking.
func (c *Controller) handleSample(e *entry, s metrics.Sample) {
	if e.allowed != nil && !e.allowed[s.Kind] {
		return
	}
	c.buffer.Update(s.Kind, s.Value)
	if c.available.Add(s.Kind) {
		c.logger.WithField("metric", s.Kind.String()).Info("Metric now available")
	}

	c.subMu.RLock()
	subs := c.subscribers
	c.subMu.RUnlock()
	for _, cb := range subs {
		cb(s)
	}
}

// Subscribe registers a consumer for every accepted sample. Consumers must
// tolerate duplicate kinds arriving from different devices; the buffer is
// last-write-wins regardless.
func (c *Controller) Subscribe(cb session.DataCallback) {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, cb)
	c.subMu.Unlock()
}

// Buffer returns the shared metric buffer for snapshot readers.
func (c *Controller) Buffer() *metrics.Buffer { return c.buffer }

// AvailableMetrics returns every kind any device has reported, in
// first-seen order.
func (c *Controller) AvailableMetrics() []metrics.Kind {
	return c.available.Kinds()
}

// Connected returns how many of the configured devices are active.
func (c *Controller) Connected() (active, total int) {
	for _, e := range c.entries {
		if e.sess.State() == session.StateActive {
			active++
		}
	}
	return active, len(c.entries)
}

// ConnectAll attempts every configured device concurrently and returns the
// number that connected. Partial success is success: a missing sensor
// degrades the ride, it does not abort it.
func (c *Controller) ConnectAll(ctx context.Context) int {
	var (
		wg        sync.WaitGroup
		connected atomic.Int32
	)
	for _, e := range c.entries {
		if e.sess.State() == session.StateActive {
			connected.Add(1)
			continue
		}
		wg.Add(1)
		e := e
		groutine.Go(ctx, fmt.Sprintf("connect-%s", e.device.Class), func(ctx context.Context) {
			defer wg.Done()
			if e.sess.Connect(ctx) {
				connected.Add(1)
			}
		})
	}
	wg.Wait()

	active := int(connected.Load())
	c.logger.WithFields(logrus.Fields{
		"connected": active,
		"total":     len(c.entries),
	}).Info("Connection round finished")
	return active
}

// Listen runs listening mode: retry missing devices on a fixed cadence and
// report live progress until every device connects, the timeout elapses,
// or ctx is cancelled. It returns the final connected count; the error is
// non-nil only when devices are still missing at the end.
func (c *Controller) Listen(ctx context.Context, timeout time.Duration) (int, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			active, _ := c.Connected()
			return active, err
		}

		active := c.ConnectAll(ctx)
		total := len(c.entries)
		c.hint("%d/%d devices connected", active, total)
		if active == total {
			return active, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return active, ErrListenTimeout
		}

		t := time.NewTimer(c.opts.PollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return active, ctx.Err()
		}
	}
}

// Run starts the refresh loop that re-scans each session's available
// metrics. A device may connect silent and only start emitting once it is
// physically actuated, so the union has to be rebuilt periodically.
func (c *Controller) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel.Store(&cancel)

	groutine.Go(runCtx, "controller-refresh", func(ctx context.Context) {
		ticker := time.NewTicker(c.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refreshAvailable()
			case <-ctx.Done():
				return
			}
		}
	})
}

func (c *Controller) refreshAvailable() {
	for _, e := range c.entries {
		for _, kind := range e.sess.AvailableMetrics() {
			if e.allowed != nil && !e.allowed[kind] {
				continue
			}
			if c.available.Add(kind) {
				c.logger.WithFields(logrus.Fields{
					"class":  e.device.Class.String(),
					"metric": kind.String(),
				}).Info("Metric now available")
			}
		}
	}
}

// Shutdown stops the run loop and disconnects every session concurrently.
// Individual disconnect errors are swallowed; one stuck device must not
// hold the others hostage, so the fan-out is bounded by the grace period.
func (c *Controller) Shutdown(ctx context.Context) {
	if cancel := c.runCancel.Swap(nil); cancel != nil {
		(*cancel)()
	}

	var wg sync.WaitGroup
	for _, e := range c.entries {
		wg.Add(1)
		e := e
		groutine.Go(context.Background(), fmt.Sprintf("disconnect-%s", e.device.Class), func(context.Context) {
			defer wg.Done()
			if err := e.sess.Disconnect(); err != nil {
				c.logger.WithFields(logrus.Fields{
					"class": e.device.Class.String(),
					"error": err,
				}).Warn("Disconnect finished with errors")
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(c.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		c.logger.Warn("Shutdown grace period elapsed with devices still disconnecting")
	case <-ctx.Done():
	}
}

// Sessions exposes the entries for status displays.
func (c *Controller) Sessions() []*session.Session {
	out := make([]*session.Session, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.sess
	}
	return out
}

func (c *Controller) hint(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.status != nil {
		c.status(msg)
		return
	}
	c.logger.Info(msg)
}
