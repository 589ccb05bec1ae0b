package transport

import (
	"context"
	"errors"
)

// Transport is the interface every link to a controller must implement.
// BlueZ (BLE GATT notifications) is the production backend; Serial covers
// UART bridges and bench rigs, Demo generates synthetic frames.
type Transport interface {
	// Name returns the human-readable name of this transport.
	Name() string
	// Connect opens the link to controller id and subscribes h to its
	// telemetry notifications. It returns once notifications are flowing;
	// ctx bounds the connect only, not the life of the subscription. An id
	// that already has a subscription fails with ErrAlreadyConnected, so a
	// nil error always means the caller owns the link.
	Connect(ctx context.Context, id string, h Handler) error
	// Disconnect releases the subscription. It is safe to call on an id
	// that is not connected.
	Disconnect(id string) error
}

// Handler receives notifications for one subscription. Calls for a given id
// are made from a single goroutine, in arrival order. OnFrame's data may be
// reused by the transport after the call returns.
type Handler interface {
	OnFrame(id string, data []byte)
	OnDisconnected(id string, reason error)
}

var (
	// ErrPairingLost marks a failure no retry can fix: the peripheral is no
	// longer paired or no longer exists.
	ErrPairingLost = errors.New("transport: pairing lost")
	// ErrNotConnected is returned by operations on a closed link.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned by Connect for an id that is still
	// subscribed.
	ErrAlreadyConnected = errors.New("transport: already connected")
)
