// Package session runs the connection lifecycle of one controller and feeds
// its telemetry through decoding, odometer reconciliation and trip
// aggregation. Each Session owns a single event loop; transport callbacks,
// GPS samples, commands and connection attempts all become events on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/odometer"
	"github.com/shaunagostinho/evdash/internal/telemetry"
	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/internal/trip"
)

// Store is the persistence the session needs. Implementations must be safe
// for concurrent use.
type Store interface {
	GetController(ctx context.Context, serial string) (*controller.Controller, error)
	UpdateOdometer(ctx context.Context, serial string, km float64) error
	RecordTrip(ctx context.Context, serial string, s trip.Summary, endedAt time.Time) error
}

// Config tunes connection handling. Zero values select the defaults.
type Config struct {
	ImmediateRetries int           // extra tries of the initial connect before backing off
	MaxAttempts      int           // reconnect attempts before giving up
	InitialBackoff   time.Duration // first reconnect delay, doubled per failure
	MaxBackoff       time.Duration
	ConnectTimeout   time.Duration // per attempt
	TickInterval     time.Duration // wall-clock refresh of elapsed time
	OdometerSave     time.Duration // periodic odometer persistence while streaming
	QueueSize        int
	MaxOdometerKmh   float64
	Trip             trip.Options
	Battery          trip.Battery

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ImmediateRetries < 0 {
		c.ImmediateRetries = 0
	} else if c.ImmediateRetries == 0 {
		c.ImmediateRetries = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.OdometerSave <= 0 {
		c.OdometerSave = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxOdometerKmh <= 0 {
		c.MaxOdometerKmh = odometer.DefaultMaxKmh
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session drives one controller. Create it with New, start Run in its own
// goroutine, then call Connect.
type Session struct {
	serial    string
	transport transport.Transport
	store     Store
	renderer  Renderer
	cfg       Config

	events  chan event
	stopped chan struct{}
	latest  atomic.Pointer[Snapshot]

	// Owned by the event loop.
	runCtx        context.Context
	ctrl          controller.Controller
	state         ControllerState
	engine        *trip.Engine
	odo           *odometer.Reconciler
	generation    uint64
	attemptCancel context.CancelFunc
	reconnectOp   TransportOp // reported if reconnecting gives up
	lastSeq       uint16
	haveSeq       bool
	lastSaved     time.Time
}

// New creates a session for serial. The renderer may be nil.
func New(serial string, t transport.Transport, store Store, r Renderer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	if r == nil {
		r = RenderFunc(func(Snapshot) {})
	}
	s := &Session{
		serial:    serial,
		transport: t,
		store:     store,
		renderer:  r,
		cfg:       cfg,
		events:    make(chan event, cfg.QueueSize),
		stopped:   make(chan struct{}),
		engine:    trip.NewEngine(trip.Vehicle{Battery: cfg.Battery}, cfg.Trip),
	}
	s.ctrl.Serial = serial
	s.latest.Store(&Snapshot{Serial: serial, Trip: s.engine.Summary()})
	return s
}

// Serial returns the controller serial this session drives.
func (s *Session) Serial() string { return s.serial }

// Snapshot returns the most recently published snapshot.
func (s *Session) Snapshot() Snapshot { return *s.latest.Load() }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// Connect loads the controller record and asks the loop to connect. It
// returns ErrUnknownController for a serial with no record; transport
// failures are reported through the state, not here.
func (s *Session) Connect(ctx context.Context) error {
	c, err := loadController(ctx, s.store, s.serial)
	if err != nil {
		return err
	}
	return s.connectWith(*c)
}

func (s *Session) connectWith(c controller.Controller) error {
	if !s.post(connectCmd{ctrl: c}) {
		return ErrStopped
	}
	return nil
}

// Disconnect cancels any pending attempt, releases the transport and
// persists the odometer. It waits for the loop to apply it and never fails
// on a running session.
func (s *Session) Disconnect(ctx context.Context) error {
	done := make(chan struct{})
	if !s.post(disconnectCmd{done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveGPS feeds one GPS sample into the trip.
func (s *Session) ObserveGPS(sample trip.GpsSample) {
	s.post(gpsEvent{sample: sample})
}

// ResetTrip records the current trip and starts a new one.
func (s *Session) ResetTrip() {
	s.post(resetTripCmd{})
}

// UpdateController replaces the configuration used from the next reading
// on. The serial cannot change.
func (s *Session) UpdateController(c controller.Controller) error {
	if c.Serial != s.serial {
		return fmt.Errorf("session: serial is immutable (%s != %s)", c.Serial, s.serial)
	}
	if !s.post(updateControllerCmd{ctrl: c}) {
		return ErrStopped
	}
	return nil
}

func (s *Session) post(ev event) bool {
	return s.postCtx(context.Background(), ev)
}

// postCtx is post for callers that must not block past ctx, such as a
// transport callback whose link the loop is tearing down.
func (s *Session) postCtx(ctx context.Context, ev event) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func loadController(ctx context.Context, store Store, serial string) (*controller.Controller, error) {
	c, err := store.GetController(ctx, serial)
	if errors.Is(err, controller.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownController, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load controller %s: %w", serial, err)
	}
	return c, nil
}

func (s *Session) vehicle() trip.Vehicle {
	return trip.Vehicle{
		Geometry:       s.ctrl.Geometry,
		PreferGPSSpeed: s.ctrl.PreferGPSSpeed,
		Battery:        s.cfg.Battery,
	}
}

// handler is what the transport calls back into. It is tagged with the
// attempt generation so callbacks from a superseded link are ignored, and
// carries the link's context so a blocked callback is released when the
// loop lets go of the link.
type handler struct {
	s   *Session
	ctx context.Context
	gen uint64
}

func (h *handler) OnFrame(_ string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	h.s.postCtx(h.ctx, frameEvent{gen: h.gen, frame: telemetry.RawFrame{Data: buf, At: h.s.cfg.Now()}})
}

func (h *handler) OnDisconnected(_ string, reason error) {
	h.s.postCtx(h.ctx, dropEvent{gen: h.gen, reason: reason})
}

func logf(serial, format string, args ...any) {
	log.Printf("[session] %s: "+format, append([]any{serial}, args...)...)
}
