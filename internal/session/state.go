package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/evdash/internal/gear"
	"github.com/shaunagostinho/evdash/internal/telemetry"
	"github.com/shaunagostinho/evdash/internal/trip"
)

// Phase is the connection lifecycle state of one controller.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Streaming
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{Disconnected, Connecting, Streaming, Reconnecting} {
		if strings.EqualFold(string(b), c.String()) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("session: unknown phase %q", b)
}

var (
	// ErrUnknownController is returned by Connect for a serial with no
	// stored controller record.
	ErrUnknownController = errors.New("session: unknown controller")
	// ErrStopped is returned when the session's event loop has exited.
	ErrStopped = errors.New("session: stopped")
)

// TransportOp says which transport operation failed.
type TransportOp int

const (
	ConnectFailed TransportOp = iota
	Dropped
)

func (o TransportOp) String() string {
	if o == ConnectFailed {
		return "connect failed"
	}
	return "dropped"
}

// TransportError is surfaced through ControllerState.LastError; it never
// ends the session's aggregates.
type TransportError struct {
	Op  TransportOp
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Op.String()
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ControllerState is the live view of one controller. The session loop is
// its only writer; everyone else sees copies inside a Snapshot.
type ControllerState struct {
	Phase            Phase              `json:"phase"`
	Latest           *telemetry.Reading `json:"latest,omitempty"` // nil until the first frame this session
	Gear             gear.Status        `json:"gear"`
	SessionStart     time.Time          `json:"sessionStart"`
	ElapsedSeconds   float64            `json:"elapsed"`
	Faults           []string           `json:"faults,omitempty"`
	DecodeErrors     int                `json:"decodeErrors"`
	DroppedFrames    int                `json:"droppedFrames"` // sequence gaps
	LastError        string             `json:"lastError,omitempty"`
	Terminal         bool               `json:"terminal"` // LastError ended the session
	OdometerKm       float64            `json:"odometer"`
	OdometerWarning  string             `json:"odometerWarning,omitempty"`
	ReconnectAttempt int                `json:"reconnectAttempt,omitempty"`
}

// Snapshot is what the render layer receives after every processed event.
// It shares no mutable memory with the session.
type Snapshot struct {
	Serial string          `json:"serial"`
	State  ControllerState `json:"state"`
	Trip   trip.Summary    `json:"trip"`
	Stamp  time.Time       `json:"stamp"`
}

// Renderer consumes snapshots. Render is called from the session loop and
// must not block for long.
type Renderer interface {
	Render(Snapshot)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(Snapshot)

func (f RenderFunc) Render(s Snapshot) { f(s) }

// Renderers fans a snapshot out to several renderers in order.
type Renderers []Renderer

func (rs Renderers) Render(s Snapshot) {
	for _, r := range rs {
		if r != nil {
			r.Render(s)
		}
	}
}
