package device

import (
	"context"
	"errors"
)

var (
	ErrNotSupported      = errors.New("wireless transport not supported")
	ErrDeviceNotFound    = errors.New("no device selected")
	ErrNoWritableChannel = errors.New("device has no writable channel")
	ErrLinkLost          = errors.New("link lost")
	ErrNotConnected      = errors.New("device not connected")
)

// Channel is a single service endpoint exposed by a connected device.
// Writes go through the first writable channel the device advertises.
type Channel interface {
	Writable() bool
	Write(p []byte) error
}

// Device is an opaque handle returned by discovery. The handle stays valid
// across link drops, so reconnects never re-prompt the user.
type Device interface {
	Name() string
	Connect(ctx context.Context) ([]Channel, error)
	OnDisconnect(fn func())
}

// Transport abstracts the short-range wireless stack. Discover prompts the
// user with a device picker and returns ErrDeviceNotFound when it is
// dismissed, or ErrNotSupported when the platform has no usable radio.
type Transport interface {
	Discover(ctx context.Context) (Device, error)
}
