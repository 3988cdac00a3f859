// Package goble implements the ble transport interfaces on top of
// github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/veloterm/internal/ble"
)

// DeviceFactory creates the underlying HCI device. Variable so tests can
// substitute a mock radio.
var DeviceFactory = newDevice

// Gateway adapts a go-ble device to the ble.Gateway interface. One gateway
// serves all sessions; go-ble serializes HCI access internally.
type Gateway struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev blelib.Device
}

// NewGateway opens the default BLE adapter.
func NewGateway(logger *logrus.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	blelib.SetDefaultDevice(dev)

	return &Gateway{logger: logger, dev: dev}, nil
}

// Scan delivers advertisements until ctx is done.
func (g *Gateway) Scan(ctx context.Context, allowDuplicates bool, handler func(ble.Advertisement)) error {
	err := g.dev.Scan(ctx, allowDuplicates, func(a blelib.Advertisement) {
		handler(advertisement{a})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// Dial opens a GATT connection to addr.
func (g *Gateway) Dial(ctx context.Context, addr string) (ble.Client, error) {
	cl, err := blelib.Dial(ctx, blelib.NewAddr(addr))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ble.ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	g.logger.WithField("address", addr).Debug("GATT link established")
	return &client{cl: cl, logger: g.logger}, nil
}

// Stop releases the adapter.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dev == nil {
		return nil
	}
	err := g.dev.Stop()
	g.dev = nil
	return err
}

// advertisement adapts blelib.Advertisement.
type advertisement struct {
	adv blelib.Advertisement
}

func (a advertisement) LocalName() string       { return a.adv.LocalName() }
func (a advertisement) Addr() string            { return a.adv.Addr().String() }
func (a advertisement) RSSI() int               { return a.adv.RSSI() }
func (a advertisement) Connectable() bool       { return a.adv.Connectable() }
func (a advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }

func (a advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, u.String())
	}
	return out
}

// client adapts blelib.Client. The characteristic map is populated by
// DiscoverProfile and read-only afterwards.
type client struct {
	cl     blelib.Client
	logger *logrus.Logger

	mu    sync.RWMutex
	chars map[string]*blelib.Characteristic
}

func (c *client) DiscoverProfile() (ble.Profile, error) {
	profile, err := c.cl.DiscoverProfile(true)
	if err != nil {
		return ble.Profile{}, fmt.Errorf("failed to discover profile: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.chars = make(map[string]*blelib.Characteristic)

	out := ble.Profile{Services: make([]ble.Service, 0, len(profile.Services))}
	for _, svc := range profile.Services {
		service := ble.Service{UUID: ble.NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			uuid := ble.NormalizeUUID(char.UUID.String())
			c.chars[uuid] = char
			service.Characteristics = append(service.Characteristics, ble.Characteristic{
				UUID:       uuid,
				Properties: ble.Property(char.Property),
			})
		}
		out.Services = append(out.Services, service)
	}
	return out, nil
}

func (c *client) lookup(charUUID string) (*blelib.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	char, ok := c.chars[ble.NormalizeUUID(charUUID)]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not discovered", charUUID)
	}
	return char, nil
}

func (c *client) Subscribe(charUUID string, indicate bool, handler func([]byte)) error {
	char, err := c.lookup(charUUID)
	if err != nil {
		return err
	}
	return c.cl.Subscribe(char, indicate, func(data []byte) { handler(data) })
}

func (c *client) Unsubscribe(charUUID string, indicate bool) error {
	char, err := c.lookup(charUUID)
	if err != nil {
		return err
	}
	return c.cl.Unsubscribe(char, indicate)
}

func (c *client) ReadCharacteristic(charUUID string) ([]byte, error) {
	char, err := c.lookup(charUUID)
	if err != nil {
		return nil, err
	}
	return c.cl.ReadCharacteristic(char)
}

func (c *client) WriteCharacteristic(charUUID string, data []byte, withResponse bool) error {
	char, err := c.lookup(charUUID)
	if err != nil {
		return err
	}
	return c.cl.WriteCharacteristic(char, data, !withResponse)
}

func (c *client) Disconnected() <-chan struct{} {
	return c.cl.Disconnected()
}

func (c *client) CancelConnection() error {
	return c.cl.CancelConnection()
}
