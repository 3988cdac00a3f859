package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/veloterm/internal/ble"
	"github.com/srg/veloterm/internal/metrics"
	"github.com/srg/veloterm/internal/session"
)

type fakeAdv struct {
	name     string
	addr     string
	services []string
}

func (a fakeAdv) LocalName() string        { return a.name }
func (a fakeAdv) Addr() string             { return a.addr }
func (a fakeAdv) Services() []string       { return a.services }
func (a fakeAdv) RSSI() int                { return -60 }
func (a fakeAdv) Connectable() bool        { return true }
func (a fakeAdv) ManufacturerData() []byte { return nil }

type fakeClient struct {
	mu          sync.Mutex
	profile     ble.Profile
	subs        map[string]func([]byte)
	lost        chan struct{}
	cancelBlock chan struct{} // non-nil makes CancelConnection wait
}

func newFakeClient(profile ble.Profile) *fakeClient {
	return &fakeClient{
		profile: profile,
		subs:    make(map[string]func([]byte)),
		lost:    make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverProfile() (ble.Profile, error) { return c.profile, nil }

func (c *fakeClient) Subscribe(charUUID string, indicate bool, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[ble.NormalizeUUID(charUUID)] = handler
	return nil
}

func (c *fakeClient) Unsubscribe(charUUID string, indicate bool) error { return nil }

func (c *fakeClient) ReadCharacteristic(charUUID string) ([]byte, error) {
	return nil, errors.New("no such characteristic")
}

func (c *fakeClient) WriteCharacteristic(charUUID string, data []byte, withResponse bool) error {
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.lost }

func (c *fakeClient) CancelConnection() error {
	if c.cancelBlock != nil {
		<-c.cancelBlock
	}
	return nil
}

func (c *fakeClient) notify(charUUID string, data []byte) bool {
	c.mu.Lock()
	handler := c.subs[ble.NormalizeUUID(charUUID)]
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(data)
	return true
}

// deviceSim is one simulated peripheral: its advertisement, its client, and
// how many dial attempts fail before one succeeds (-1 never succeeds).
type deviceSim struct {
	adv          fakeAdv
	client       *fakeClient
	failuresLeft int
}

type simGateway struct {
	mu      sync.Mutex
	devices map[string]*deviceSim // by address
}

func (g *simGateway) Scan(ctx context.Context, allowDuplicates bool, handler func(ble.Advertisement)) error {
	g.mu.Lock()
	advs := make([]fakeAdv, 0, len(g.devices))
	for _, d := range g.devices {
		advs = append(advs, d.adv)
	}
	g.mu.Unlock()
	for _, adv := range advs {
		handler(adv)
	}
	return nil
}

func (g *simGateway) Dial(ctx context.Context, addr string) (ble.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.devices[addr]
	if !ok {
		return nil, errors.New("unknown address")
	}
	if d.failuresLeft != 0 {
		if d.failuresLeft > 0 {
			d.failuresLeft--
		}
		return nil, errors.New("le conn failed")
	}
	return d.client, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func fastSessionOptions() *session.Options {
	opts := session.DefaultOptions()
	opts.ScanTimeout = 50 * time.Millisecond
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.ConnectAttempts = 1
	opts.ConnectBackoff = time.Millisecond
	opts.DiscoverySettle = 0
	opts.ControlPointDelay = 0
	opts.NotificationGrace = time.Minute
	return opts
}

func fastOptions() *Options {
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.RefreshInterval = 5 * time.Millisecond
	opts.ShutdownGrace = 100 * time.Millisecond
	return opts
}

func trainerSim(addr string, failures int) *deviceSim {
	profile := ble.Profile{Services: []ble.Service{
		{UUID: ble.ServiceFitnessMachine, Characteristics: []ble.Characteristic{
			{UUID: ble.CharIndoorBikeData, Properties: ble.PropNotify},
			{UUID: ble.CharFTMSControlPoint, Properties: ble.PropWrite},
		}},
	}}
	return &deviceSim{
		adv:          fakeAdv{name: "KICKR", addr: addr, services: []string{ble.ServiceFitnessMachine}},
		client:       newFakeClient(profile),
		failuresLeft: failures,
	}
}

func strapSim(addr string, failures int) *deviceSim {
	profile := ble.Profile{Services: []ble.Service{
		{UUID: ble.ServiceHeartRate, Characteristics: []ble.Characteristic{
			{UUID: ble.CharHeartRateMeasure, Properties: ble.PropNotify},
		}},
	}}
	return &deviceSim{
		adv:          fakeAdv{name: "HRM-Dual", addr: addr, services: []string{ble.ServiceHeartRate}},
		client:       newFakeClient(profile),
		failuresLeft: failures,
	}
}

func TestConnectAllPartialSuccess(t *testing.T) {
	trainer := trainerSim("bb:01", 0)
	strap := strapSim("aa:01", -1)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:01": trainer, "aa:01": strap}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices: []Device{
			{Class: session.ClassTrainer, Addr: "bb:01"},
			{Class: session.ClassHeartRate, Addr: "aa:01"},
		},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	assert.Equal(t, 1, c.ConnectAll(context.Background()))
	active, total := c.Connected()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, total)
}

func TestListenUntilAllConnected(t *testing.T) {
	// The trainer refuses its first two dials; listening mode keeps
	// retrying until it comes up.
	trainer := trainerSim("bb:02", 2)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:02": trainer}}

	var mu sync.Mutex
	var statuses []string
	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassTrainer, Addr: "bb:02"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
		OnStatus: func(msg string) {
			mu.Lock()
			statuses = append(statuses, msg)
			mu.Unlock()
		},
	})

	active, err := c.Listen(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, "0/1 devices connected")
	assert.Contains(t, statuses, "1/1 devices connected")
}

func TestListenTimesOut(t *testing.T) {
	strap := strapSim("aa:02", -1)
	gw := &simGateway{devices: map[string]*deviceSim{"aa:02": strap}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassHeartRate, Addr: "aa:02"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	active, err := c.Listen(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrListenTimeout)
	assert.Zero(t, active)
}

func TestListenHonorsCancellation(t *testing.T) {
	strap := strapSim("aa:03", -1)
	gw := &simGateway{devices: map[string]*deviceSim{"aa:03": strap}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassHeartRate, Addr: "aa:03"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Listen(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must not wait out the timeout")
}

func TestAllowedKindsFilterOwnership(t *testing.T) {
	trainer := trainerSim("bb:03", 0)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:03": trainer}}
	buffer := metrics.NewBuffer(nil)

	c := New(gw, testLogger(), buffer, Config{
		Devices: []Device{{
			Class:   session.ClassTrainer,
			Addr:    "bb:03",
			Allowed: []metrics.Kind{metrics.Power},
		}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	require.Equal(t, 1, c.ConnectAll(context.Background()))

	// Frame carries both speed and power; only power may land.
	require.True(t, trainer.client.notify(ble.CharIndoorBikeData, []byte{0x12, 0x00, 0xD0, 0x07, 0xC8, 0x00}))

	snapshot := buffer.Snapshot()
	assert.Equal(t, 200.0, snapshot[metrics.Power])
	_, hasSpeed := snapshot[metrics.Speed]
	assert.False(t, hasSpeed, "trainer configured for power only must not claim speed")
	assert.Equal(t, []metrics.Kind{metrics.Power}, c.AvailableMetrics())
}

func TestSubscriberFanOut(t *testing.T) {
	trainer := trainerSim("bb:04", 0)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:04": trainer}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassTrainer, Addr: "bb:04"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	var mu sync.Mutex
	var first, second []metrics.Sample
	c.Subscribe(func(s metrics.Sample) {
		mu.Lock()
		first = append(first, s)
		mu.Unlock()
	})
	c.Subscribe(func(s metrics.Sample) {
		mu.Lock()
		second = append(second, s)
		mu.Unlock()
	})

	require.Equal(t, 1, c.ConnectAll(context.Background()))
	require.True(t, trainer.client.notify(ble.CharIndoorBikeData, []byte{0x12, 0x00, 0xD0, 0x07, 0xC8, 0x00}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, first, 2) // speed + power
	assert.Equal(t, first, second)
}

func TestRunRefreshesAvailableMetrics(t *testing.T) {
	trainer := trainerSim("bb:05", 0)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:05": trainer}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassTrainer, Addr: "bb:05"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})
	require.Equal(t, 1, c.ConnectAll(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)
	defer c.Shutdown(context.Background())

	assert.Empty(t, c.AvailableMetrics())

	// The device starts emitting after it was already connected; the run
	// loop has to pick the new kinds up.
	require.True(t, trainer.client.notify(ble.CharIndoorBikeData, []byte{0x12, 0x00, 0xD0, 0x07, 0xC8, 0x00}))

	assert.Eventually(t, func() bool {
		kinds := c.AvailableMetrics()
		return len(kinds) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	trainer := trainerSim("bb:06", 0)
	strap := strapSim("aa:06", 0)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:06": trainer, "aa:06": strap}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices: []Device{
			{Class: session.ClassTrainer, Addr: "bb:06"},
			{Class: session.ClassHeartRate, Addr: "aa:06"},
		},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})
	require.Equal(t, 2, c.ConnectAll(context.Background()))

	c.Shutdown(context.Background())
	active, _ := c.Connected()
	assert.Zero(t, active)
	for _, s := range c.Sessions() {
		assert.Equal(t, session.StateDisconnected, s.State())
	}
}

func TestShutdownBoundedByGrace(t *testing.T) {
	trainer := trainerSim("bb:07", 0)
	trainer.client.cancelBlock = make(chan struct{})
	defer close(trainer.client.cancelBlock)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:07": trainer}}

	c := New(gw, testLogger(), metrics.NewBuffer(nil), Config{
		Devices:        []Device{{Class: session.ClassTrainer, Addr: "bb:07"}},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})
	require.Equal(t, 1, c.ConnectAll(context.Background()))

	start := time.Now()
	c.Shutdown(context.Background())
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "a stuck device must not block shutdown")
}

// The degraded-start scenario: the trainer comes up late, the strap never
// shows, and the system still serves power with no trace of heart rate.
func TestPartialRideEndToEnd(t *testing.T) {
	trainer := trainerSim("bb:08", 1)
	strap := strapSim("aa:08", -1)
	gw := &simGateway{devices: map[string]*deviceSim{"bb:08": trainer, "aa:08": strap}}
	buffer := metrics.NewBuffer(nil)

	c := New(gw, testLogger(), buffer, Config{
		Devices: []Device{
			{Class: session.ClassTrainer, Addr: "bb:08"},
			{Class: session.ClassHeartRate, Addr: "aa:08"},
		},
		Options:        fastOptions(),
		SessionOptions: fastSessionOptions(),
	})

	active, err := c.Listen(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrListenTimeout)
	assert.Equal(t, 1, active)

	// Power-only frame from the trainer.
	require.True(t, trainer.client.notify(ble.CharIndoorBikeData, []byte{0x10, 0x00, 0xC8, 0x00}))

	snapshot := buffer.SnapshotNamed()
	assert.Equal(t, 200.0, snapshot["power"])
	_, hasHR := snapshot["heart_rate"]
	assert.False(t, hasHR, "a device that never connected must leave no metric behind")
	assert.Equal(t, []metrics.Kind{metrics.Power}, c.AvailableMetrics())
}
