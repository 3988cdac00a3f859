// Package ble abstracts the BLE central transport behind small interfaces
// so the session state machine can be driven by fakes in tests. The real
// implementation backed by go-ble lives in the goble subpackage.
package ble

import "context"

// Property is the GATT characteristic property bitmask.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
)

// Advertisement is one received BLE advertisement.
type Advertisement interface {
	LocalName() string
	Addr() string
	Services() []string
	RSSI() int
	Connectable() bool
	ManufacturerData() []byte
}

// Gateway is the radio: it scans for advertisements and opens GATT links.
type Gateway interface {
	// Scan delivers advertisements to handler until ctx is done. A context
	// cancellation or deadline is a normal end of scan, not an error.
	Scan(ctx context.Context, allowDuplicates bool, handler func(Advertisement)) error

	// Dial opens a GATT connection to the peripheral at addr.
	Dial(ctx context.Context, addr string) (Client, error)
}

// Client is one live GATT connection. The owning session holds it
// exclusively; it is never shared between sessions.
type Client interface {
	// DiscoverProfile enumerates services and characteristics.
	DiscoverProfile() (Profile, error)

	// Subscribe routes notifications (or indications) from the
	// characteristic to handler. The handler runs on the BLE stack's
	// delivery goroutine and must not block.
	Subscribe(charUUID string, indicate bool, handler func([]byte)) error

	// Unsubscribe stops notifications from the characteristic.
	Unsubscribe(charUUID string, indicate bool) error

	// ReadCharacteristic reads the characteristic's current value.
	ReadCharacteristic(charUUID string) ([]byte, error)

	// WriteCharacteristic writes data to the characteristic.
	WriteCharacteristic(charUUID string, data []byte, withResponse bool) error

	// Disconnected is closed when the link drops.
	Disconnected() <-chan struct{}

	// CancelConnection tears the link down.
	CancelConnection() error
}

// Characteristic describes one discovered GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Property
}

// Notifiable reports whether the characteristic pushes data.
func (c Characteristic) Notifiable() bool {
	return c.Properties&(PropNotify|PropIndicate) != 0
}

// IndicateOnly reports whether the characteristic supports indications but
// not notifications.
func (c Characteristic) IndicateOnly() bool {
	return c.Properties&PropNotify == 0 && c.Properties&PropIndicate != 0
}

// Writable reports whether the characteristic accepts writes.
func (c Characteristic) Writable() bool {
	return c.Properties&(PropWrite|PropWriteNoResponse) != 0
}

// Service describes one discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Profile is the full discovered service tree of one peripheral.
type Profile struct {
	Services []Service
}

// FindCharacteristic looks a characteristic up by UUID across all services.
func (p Profile) FindCharacteristic(uuid string) (Characteristic, bool) {
	want := NormalizeUUID(uuid)
	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			if NormalizeUUID(char.UUID) == want {
				return char, true
			}
		}
	}
	return Characteristic{}, false
}

// FindService looks a service up by UUID.
func (p Profile) FindService(uuid string) (Service, bool) {
	want := NormalizeUUID(uuid)
	for _, svc := range p.Services {
		if NormalizeUUID(svc.UUID) == want {
			return svc, true
		}
	}
	return Service{}, false
}
