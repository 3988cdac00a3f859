package ble

import (
	"errors"
	"fmt"
)

// ConnectionState classifies connection-level failures.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	ConnectTimeout   ConnectionState = "connect_timeout"
)

// ConnectionError is a connection-related failure with a classified state.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrConnectTimeout   = &ConnectionError{State: ConnectTimeout}
)

// ErrNoMatch is returned by discovery when no advertisement matched within
// the scan window. Recoverable: callers report it, they never crash on it.
var ErrNoMatch = errors.New("no matching device found")

// ErrNotNotifiable is returned when a subscription target supports neither
// notifications nor indications.
var ErrNotNotifiable = errors.New("characteristic does not support notify or indicate")
