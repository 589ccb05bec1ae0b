package session

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/gear"
	"github.com/shaunagostinho/evdash/internal/odometer"
	"github.com/shaunagostinho/evdash/internal/telemetry"
	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/internal/trip"
)

type event any

type (
	connectCmd          struct{ ctrl controller.Controller }
	disconnectCmd       struct{ done chan struct{} }
	resetTripCmd        struct{}
	updateControllerCmd struct{ ctrl controller.Controller }
	gpsEvent            struct{ sample trip.GpsSample }

	frameEvent struct {
		gen   uint64
		frame telemetry.RawFrame
	}
	dropEvent struct {
		gen    uint64
		reason error
	}
	attemptProgress struct {
		gen     uint64
		attempt int
		err     error
	}
	attemptResult struct {
		gen  uint64
		mode attemptMode
		err  error
	}
)

const persistTimeout = 5 * time.Second

// Run processes events until ctx is cancelled. It must be called exactly
// once; all session state is owned by this goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev := <-s.events:
			if s.handle(ev) {
				s.publish()
			}
		case <-ticker.C:
			if s.tick(s.cfg.Now()) {
				s.publish()
			}
		}
	}
}

// handle applies one event and reports whether state changed.
func (s *Session) handle(ev event) bool {
	switch ev := ev.(type) {
	case connectCmd:
		return s.onConnect(ev.ctrl)
	case disconnectCmd:
		if s.onDisconnect() {
			s.publish()
		}
		close(ev.done)
		return false
	case frameEvent:
		return s.onFrame(ev)
	case dropEvent:
		return s.onDrop(ev)
	case attemptProgress:
		if ev.gen != s.generation {
			return false
		}
		s.state.ReconnectAttempt = ev.attempt
		if ev.err != nil {
			s.state.LastError = (&TransportError{Op: ConnectFailed, Err: ev.err}).Error()
		}
		return true
	case attemptResult:
		return s.onAttemptResult(ev)
	case gpsEvent:
		s.engine.ObserveGPS(ev.sample)
		return true
	case resetTripCmd:
		s.resetTrip(s.cfg.Now())
		return true
	case updateControllerCmd:
		ev.ctrl.OdometerKm = s.ctrl.OdometerKm
		s.ctrl = ev.ctrl
		s.engine.SetVehicle(s.vehicle())
		logf(s.serial, "configuration updated")
		return true
	}
	return false
}

func (s *Session) onConnect(c controller.Controller) bool {
	if s.state.Phase != Disconnected {
		logf(s.serial, "connect ignored while %s", s.state.Phase)
		return false
	}
	now := s.cfg.Now()
	if s.odo == nil {
		s.odo = odometer.New(c.OdometerKm, s.cfg.MaxOdometerKmh)
	}
	s.odo.Resume(c.OdometerKm, now)
	c.OdometerKm = s.odo.Value()
	s.ctrl = c
	s.engine.SetVehicle(s.vehicle())
	s.haveSeq = false

	s.state = ControllerState{
		Phase:        Connecting,
		SessionStart: now,
		OdometerKm:   c.OdometerKm,
	}
	s.lastSaved = now
	logf(s.serial, "connecting via %s", s.transport.Name())
	s.startAttempt(modeConnect)
	return true
}

func (s *Session) onDisconnect() bool {
	s.cancelAttempt()
	s.generation++ // orphan callbacks from the released link
	if s.state.Phase == Disconnected {
		return false
	}
	if err := s.transport.Disconnect(s.serial); err != nil {
		logf(s.serial, "disconnect: %v", err)
	}
	s.persistOdometer(false)
	s.state.Phase = Disconnected
	s.state.LastError = ""
	s.state.Terminal = false
	s.state.ReconnectAttempt = 0
	logf(s.serial, "disconnected")
	return true
}

func (s *Session) onAttemptResult(ev attemptResult) bool {
	if ev.gen != s.generation {
		// Transports refuse a second link per id, so a superseded success
		// owns the only link and nothing newer is using it.
		if ev.err == nil {
			_ = s.transport.Disconnect(s.serial)
		}
		return false
	}

	switch {
	case ev.err == nil:
		s.state.Phase = Streaming
		s.state.LastError = ""
		s.state.ReconnectAttempt = 0
		s.haveSeq = false
		logf(s.serial, "streaming")
	case errors.Is(ev.err, transport.ErrPairingLost):
		s.terminate(&TransportError{Op: ConnectFailed, Err: ev.err})
	case ev.mode == modeConnect:
		s.state.LastError = (&TransportError{Op: ConnectFailed, Err: ev.err}).Error()
		s.state.Phase = Reconnecting
		s.reconnectOp = ConnectFailed
		logf(s.serial, "connect failed, backing off: %v", ev.err)
		s.startAttempt(modeReconnect)
	default:
		s.terminate(&TransportError{Op: s.reconnectOp, Err: ev.err})
	}
	return true
}

// terminate ends the session with an error that retrying cannot fix.
func (s *Session) terminate(err error) {
	s.cancelAttempt()
	s.generation++
	_ = s.transport.Disconnect(s.serial)
	s.persistOdometer(false)
	s.state.Phase = Disconnected
	s.state.LastError = err.Error()
	s.state.Terminal = true
	logf(s.serial, "giving up: %v", err)
}

func (s *Session) onDrop(ev dropEvent) bool {
	if ev.gen != s.generation || s.state.Phase != Streaming {
		return false
	}
	if errors.Is(ev.reason, transport.ErrPairingLost) {
		s.terminate(&TransportError{Op: Dropped, Err: ev.reason})
		return true
	}
	s.state.LastError = (&TransportError{Op: Dropped, Err: ev.reason}).Error()
	s.state.Phase = Reconnecting
	s.reconnectOp = Dropped
	s.haveSeq = false
	s.persistOdometer(false)
	logf(s.serial, "link dropped: %v", ev.reason)
	s.startAttempt(modeReconnect)
	return true
}

func (s *Session) onFrame(ev frameEvent) bool {
	if ev.gen != s.generation || s.state.Phase != Streaming {
		return false
	}
	r, err := telemetry.Decode(ev.frame.Data, ev.frame.At)
	if err != nil {
		s.state.DecodeErrors++
		logf(s.serial, "discarding frame: %v", err)
		return true
	}

	if s.haveSeq {
		if gap := int(r.Sequence - s.lastSeq - 1); gap > 0 && gap < 1<<15 {
			s.state.DroppedFrames += gap
		}
	}
	s.lastSeq, s.haveSeq = r.Sequence, true

	s.state.Latest = &r
	s.state.Gear = gear.Derive(&r)
	s.state.Faults = telemetry.FaultNames(r.FaultFlags)

	km, warn := s.odo.Observe(r.OdometerKm, r.At)
	s.state.OdometerKm = km
	if warn != nil {
		s.state.OdometerWarning = warn.Error()
		logf(s.serial, "%v", warn)
	}

	s.engine.Observe(r)
	s.updateElapsed(ev.frame.At)
	return true
}

func (s *Session) tick(now time.Time) bool {
	if s.state.Phase == Disconnected {
		return false
	}
	s.updateElapsed(now)
	if s.state.Phase == Streaming && now.Sub(s.lastSaved) >= s.cfg.OdometerSave {
		s.persistOdometer(false)
	}
	return true
}

func (s *Session) updateElapsed(now time.Time) {
	if !s.state.SessionStart.IsZero() && now.After(s.state.SessionStart) {
		s.state.ElapsedSeconds = now.Sub(s.state.SessionStart).Seconds()
	}
}

func (s *Session) resetTrip(at time.Time) {
	finished := s.engine.Summary()
	if finished.Samples+finished.GpsSamples > 0 {
		serial := s.serial
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := s.store.RecordTrip(ctx, serial, finished, at); err != nil {
				logf(serial, "record trip %s: %v", finished.ID, err)
			}
		}()
	}
	s.engine.Reset(at)
	logf(s.serial, "trip reset")
}

// persistOdometer writes the reconciled odometer if it has moved. Writes
// happen off the loop unless sync is set.
func (s *Session) persistOdometer(sync bool) {
	s.lastSaved = s.cfg.Now()
	if s.odo == nil {
		return
	}
	km := s.odo.Value()
	if km <= s.ctrl.OdometerKm {
		return
	}
	s.ctrl.OdometerKm = km
	serial := s.serial
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.UpdateOdometer(ctx, serial, km); err != nil {
			logf(serial, "save odometer: %v", err)
		}
	}
	if sync {
		write()
		return
	}
	go write()
}

func (s *Session) shutdown() {
	s.cancelAttempt()
	if s.state.Phase != Disconnected {
		if err := s.transport.Disconnect(s.serial); err != nil {
			logf(s.serial, "disconnect: %v", err)
		}
	}
	s.persistOdometer(true)
	s.state.Phase = Disconnected
	s.publish()
}

func (s *Session) publish() {
	snap := Snapshot{
		Serial: s.serial,
		State:  s.state,
		Trip:   s.engine.Summary(),
		Stamp:  s.cfg.Now(),
	}
	s.latest.Store(&snap)
	s.renderer.Render(snap)
}
