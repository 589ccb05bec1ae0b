package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/telemetry"
	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/internal/trip"
)

const (
	testSerial = "EV-0001"
	waitFor    = 2 * time.Second
	pollEvery  = 5 * time.Millisecond
)

var errLinkDown = errors.New("link down")

type fakeTransport struct {
	mu          sync.Mutex
	failures    []error // returned by successive Connect calls, then success
	connects    int
	disconnects int
	handler     transport.Handler
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(_ context.Context, id string, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.handler != nil {
		return fmt.Errorf("fake: %s: %w", id, transport.ErrAlreadyConnected)
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return err
		}
	}
	f.handler = h
	return nil
}

func (f *fakeTransport) Disconnect(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.handler = nil
	return nil
}

func (f *fakeTransport) current() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeTransport) send(t *testing.T, data []byte) {
	t.Helper()
	h := f.current()
	require.NotNil(t, h, "no live subscription")
	h.OnFrame(testSerial, data)
}

func (f *fakeTransport) drop(t *testing.T, reason error) {
	t.Helper()
	h := f.current()
	require.NotNil(t, h, "no live subscription")
	f.mu.Lock()
	f.handler = nil
	f.mu.Unlock()
	h.OnDisconnected(testSerial, reason)
}

type fakeStore struct {
	mu       sync.Mutex
	ctrls    map[string]controller.Controller
	odometer map[string]float64
	trips    []trip.Summary
}

func newFakeStore(cs ...controller.Controller) *fakeStore {
	st := &fakeStore{ctrls: map[string]controller.Controller{}, odometer: map[string]float64{}}
	for _, c := range cs {
		st.ctrls[c.Serial] = c
	}
	return st
}

func (f *fakeStore) GetController(_ context.Context, serial string) (*controller.Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.ctrls[serial]
	if !ok {
		return nil, controller.ErrNotFound
	}
	c.OdometerKm = max(c.OdometerKm, f.odometer[serial])
	return &c, nil
}

func (f *fakeStore) UpdateOdometer(_ context.Context, serial string, km float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if km > f.odometer[serial] {
		f.odometer[serial] = km
	}
	return nil
}

func (f *fakeStore) RecordTrip(_ context.Context, _ string, s trip.Summary, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trips = append(f.trips, s)
	return nil
}

func (f *fakeStore) savedOdometer(serial string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.odometer[serial]
}

func (f *fakeStore) recordedTrips() []trip.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trip.Summary(nil), f.trips...)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Render(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.State.Phase {
			out = append(out, s.State.Phase)
		}
	}
	return out
}

// stepClock advances by step on every read, so consecutive frames are
// always a plausible interval apart.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type harness struct {
	t      *testing.T
	tr     *fakeTransport
	store  *fakeStore
	rec    *recorder
	mgr    *Manager
	cancel context.CancelFunc
}

func testController() controller.Controller {
	return controller.Controller{
		Serial:     testSerial,
		OdometerKm: 100,
		Geometry:   controller.Geometry{TireWidthMM: 100, TireAspect: 80, RimDiameterIn: 17, GearRatio: 1},
	}
}

func newHarness(t *testing.T, cfg Config, failures ...error) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clock := &stepClock{t: time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC), step: 100 * time.Millisecond}
	cfg.Now = clock.Now
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	if cfg.MaxOdometerKmh == 0 {
		// Frames are stamped 100 ms apart; keep the plausibility guard
		// out of the way of the odometer values used here.
		cfg.MaxOdometerKmh = 1e6
	}

	h := &harness{
		t:      t,
		tr:     &fakeTransport{failures: failures},
		store:  newFakeStore(testController()),
		rec:    &recorder{},
		cancel: cancel,
	}
	h.mgr = NewManager(ctx, h.tr, h.store, h.rec, cfg)
	t.Cleanup(func() {
		cancel()
		h.mgr.Wait()
	})
	return h
}

func (h *harness) connect() *Session {
	h.t.Helper()
	s, err := h.mgr.Connect(context.Background(), testSerial)
	require.NoError(h.t, err)
	return s
}

func (h *harness) waitPhase(s *Session, p Phase) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return s.Snapshot().State.Phase == p },
		waitFor, pollEvery, "phase %s, have %s", p, s.Snapshot().State.Phase)
	return s.Snapshot()
}

func (h *harness) waitSnapshot(s *Session, cond func(Snapshot) bool) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(s.Snapshot()) }, waitFor, pollEvery)
	return s.Snapshot()
}

func frame(seq uint16, rpm uint16, odoKm float64) []byte {
	return telemetry.Encode(telemetry.Reading{
		VoltageV:   72,
		CurrentA:   15,
		MotorRPM:   rpm,
		GearCode:   2,
		OdometerKm: odoKm,
		Sequence:   seq,
	})
}

func TestConnectUnknownController(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.mgr.Connect(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownController)

	_, ok := h.mgr.Session("nope")
	assert.False(t, ok)
	connects, _ := h.tr.counts()
	assert.Zero(t, connects)
}

func TestStreamingFramesUpdateState(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	for i := uint16(0); i < 5; i++ {
		h.tr.send(t, frame(i, 3000, 0.5+float64(i)*0.001))
	}
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 5 })

	require.NotNil(t, snap.State.Latest)
	assert.Equal(t, uint16(4), snap.State.Latest.Sequence)
	assert.Equal(t, "2", snap.State.Gear.String())
	assert.InDelta(t, 100.504, snap.State.OdometerKm, 1e-6)
	assert.Greater(t, snap.Trip.WheelDistanceKm, 0.0)
	assert.Greater(t, snap.Trip.EnergyWh, 0.0)
	assert.Zero(t, snap.State.DecodeErrors)
	assert.Zero(t, snap.State.DroppedFrames)
	assert.Equal(t, []Phase{Connecting, Streaming}, h.rec.phases())
}

func TestMalformedFrameIsCountedAndSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	h.tr.send(t, frame(0, 1000, 0))
	h.tr.send(t, []byte{0xC5, 0x01, 0x02})
	bad := frame(1, 1000, 0)
	bad[len(bad)-1] ^= 0xFF
	h.tr.send(t, bad)

	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.State.DecodeErrors == 2 })
	assert.Equal(t, 1, snap.Trip.Samples)
	assert.Equal(t, uint16(0), snap.State.Latest.Sequence)
	assert.Equal(t, Streaming, snap.State.Phase)
}

func TestSequenceGapsAreCounted(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	for _, seq := range []uint16{65534, 65535, 0, 4} {
		h.tr.send(t, frame(seq, 0, 0))
	}
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 4 })
	assert.Equal(t, 3, snap.State.DroppedFrames)
}

func TestConnectRetriesImmediately(t *testing.T) {
	h := newHarness(t, Config{ImmediateRetries: 2}, errLinkDown, errLinkDown)
	s := h.connect()

	h.waitPhase(s, Streaming)
	connects, _ := h.tr.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, []Phase{Connecting, Streaming}, h.rec.phases())
}

func TestConnectBacksOffThenGivesUp(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = errLinkDown
	}
	h := newHarness(t, Config{ImmediateRetries: -1, MaxAttempts: 2}, failures...)
	s := h.connect()

	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.State.Terminal })
	assert.Equal(t, Disconnected, snap.State.Phase)
	assert.Equal(t, "transport: connect failed: link down", snap.State.LastError)

	connects, _ := h.tr.counts()
	assert.Equal(t, 3, connects, "one immediate try plus two reconnect attempts")
	assert.Equal(t, []Phase{Connecting, Reconnecting, Disconnected}, h.rec.phases())
}

func TestPairingLostIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, transport.ErrPairingLost)
	s := h.connect()

	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.State.Terminal })
	assert.Equal(t, Disconnected, snap.State.Phase)
	connects, _ := h.tr.counts()
	assert.Equal(t, 1, connects)
}

func TestDropReconnectsAndKeepsTrip(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	h.tr.send(t, frame(0, 2000, 0.1))
	h.tr.send(t, frame(1, 2000, 0.101))
	before := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 2 })
	require.Greater(t, before.Trip.WheelDistanceKm, 0.0)

	h.tr.drop(t, errLinkDown)
	require.Eventually(t, func() bool {
		connects, _ := h.tr.counts()
		return connects == 2 && s.Snapshot().State.Phase == Streaming
	}, waitFor, pollEvery)
	assert.Contains(t, h.rec.phases(), Reconnecting)
	assert.Empty(t, s.Snapshot().State.LastError)

	h.tr.send(t, frame(7, 2000, 0.102))
	after := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 3 })
	assert.Equal(t, before.Trip.ID, after.Trip.ID)
	assert.GreaterOrEqual(t, after.Trip.WheelDistanceKm, before.Trip.WheelDistanceKm)
	assert.GreaterOrEqual(t, after.State.OdometerKm, before.State.OdometerKm)
	assert.Zero(t, after.State.DroppedFrames, "sequence tracking restarts after a reconnect")
}

func TestDropExhaustsReconnects(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2}, nil, errLinkDown, errLinkDown, errLinkDown)
	s := h.connect()
	h.waitPhase(s, Streaming)
	h.tr.send(t, frame(0, 1000, 0))
	h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })

	h.tr.drop(t, errLinkDown)
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.State.Terminal })

	assert.Equal(t, Disconnected, snap.State.Phase)
	assert.Equal(t, "transport: dropped: link down", snap.State.LastError)
	assert.Equal(t, 1, snap.Trip.Samples, "trip survives the failed reconnect")
	connects, _ := h.tr.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, []Phase{Connecting, Streaming, Reconnecting, Disconnected}, h.rec.phases())
}

func TestDisconnectWhileReconnecting(t *testing.T) {
	h := newHarness(t, Config{InitialBackoff: time.Hour}, nil, errLinkDown)
	s := h.connect()
	h.waitPhase(s, Streaming)

	h.tr.drop(t, errLinkDown)
	h.waitPhase(s, Reconnecting)

	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	snap := s.Snapshot()
	assert.Equal(t, Disconnected, snap.State.Phase, "no wait for the pending backoff")
	assert.False(t, snap.State.Terminal)
	assert.Empty(t, snap.State.LastError)

	assert.Never(t, func() bool {
		connects, _ := h.tr.counts()
		return connects > 1
	}, 50*time.Millisecond, pollEvery, "pending attempt cancelled")
}

func TestReconnectDoesNotRecountOdometer(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	for i, km := range []float64{0.0, 0.2, 0.5} {
		h.tr.send(t, frame(uint16(i), 500, km))
	}
	h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 3 })
	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	require.Eventually(t, func() bool { return math.Abs(h.store.savedOdometer(testSerial)-100.5) < 1e-9 }, waitFor, pollEvery)

	// The controller stayed powered and keeps counting from 0.5.
	h.connect()
	h.waitPhase(s, Streaming)
	h.tr.send(t, frame(3, 500, 0.6))
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 4 })
	assert.InDelta(t, 100.6, snap.State.OdometerKm, 1e-9)

	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	require.Eventually(t, func() bool { return math.Abs(h.store.savedOdometer(testSerial)-100.6) < 1e-9 }, waitFor, pollEvery)
}

func TestReconnectContinuesTrip(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)
	h.tr.send(t, frame(0, 1000, 0))
	first := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })

	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	h.connect()
	h.waitPhase(s, Streaming)
	h.tr.send(t, frame(1, 1000, 0))
	next := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 2 })

	assert.Equal(t, first.Trip.ID, next.Trip.ID, "only ResetTrip ends a trip")
	assert.Empty(t, h.store.recordedTrips())
}

// gatedTransport holds its first Connect until the gate opens, then
// completes it regardless of cancellation.
type gatedTransport struct {
	transport.Transport
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
	result  chan error
}

func (g *gatedTransport) Connect(ctx context.Context, id string, h transport.Handler) error {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return g.Transport.Connect(ctx, id, h)
	}
	close(g.entered)
	<-g.gate
	err := g.Transport.Connect(context.Background(), id, h)
	g.result <- err
	return err
}

func TestLateAttemptLeavesNewerLinkAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gt := &gatedTransport{
		Transport: transport.NewDemo(5 * time.Millisecond),
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
		result:    make(chan error, 1),
	}
	s := New(testSerial, gt, newFakeStore(testController()), nil, Config{})
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})

	require.NoError(t, s.Connect(context.Background()))
	<-gt.entered
	require.NoError(t, s.Disconnect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.Snapshot().State.Phase == Streaming }, waitFor, pollEvery)

	close(gt.gate)
	require.ErrorIs(t, <-gt.result, transport.ErrAlreadyConnected)

	n := s.Snapshot().Trip.Samples
	require.Eventually(t, func() bool { return s.Snapshot().Trip.Samples > n+5 }, waitFor, pollEvery,
		"newer link still delivers frames")
	assert.Equal(t, Streaming, s.Snapshot().State.Phase)
}

func TestDisconnectPersistsOdometer(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	h.tr.send(t, frame(0, 500, 1.5))
	h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })

	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	assert.Equal(t, Disconnected, s.Snapshot().State.Phase)
	assert.False(t, s.Snapshot().State.Terminal)
	require.Eventually(t, func() bool { return h.store.savedOdometer(testSerial) == 101.5 }, waitFor, pollEvery)

	_, disconnects := h.tr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial), "no session yet")

	s := h.connect()
	h.waitPhase(s, Streaming)
	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))

	_, disconnects := h.tr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)
	old := h.tr.current()

	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))
	_, err := h.mgr.Connect(context.Background(), testSerial)
	require.NoError(t, err)
	h.waitPhase(s, Streaming)

	old.OnFrame(testSerial, frame(9, 1000, 0))
	old.OnDisconnected(testSerial, errLinkDown)

	h.tr.send(t, frame(1, 1000, 0))
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })
	assert.Equal(t, uint16(1), snap.State.Latest.Sequence)
	assert.Equal(t, Streaming, snap.State.Phase)
}

func TestResetTripRecordsFinishedTrip(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	h.tr.send(t, frame(0, 1000, 0))
	h.tr.send(t, frame(1, 1000, 0))
	first := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 2 })

	s.ResetTrip()
	next := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.ID != first.Trip.ID })
	assert.Zero(t, next.Trip.Samples)

	require.Eventually(t, func() bool { return len(h.store.recordedTrips()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, first.Trip.ID, h.store.recordedTrips()[0].ID)
}

func TestGPSFeedsTripWhileDisconnected(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)
	require.NoError(t, h.mgr.Disconnect(context.Background(), testSerial))

	h.mgr.ObserveGPS(trip.GpsSample{SpeedKmh: 20, DistanceKm: 0.02, At: time.Now()})
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.GpsSamples == 1 })
	assert.InDelta(t, 0.02, snap.Trip.GpsDistanceKm, 1e-9)
}

func TestFullQueueDoesNotBlockManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	rendering := make(chan struct{})
	var once sync.Once
	r := RenderFunc(func(Snapshot) {
		once.Do(func() { close(rendering) })
		<-release
	})
	mgr := NewManager(ctx, &fakeTransport{}, newFakeStore(testController()), r, Config{QueueSize: 1, TickInterval: time.Hour})
	t.Cleanup(func() {
		close(release)
		cancel()
		mgr.Wait()
	})

	s, err := mgr.Connect(context.Background(), testSerial)
	require.NoError(t, err)
	<-rendering // the loop is stuck in Render

	go func() {
		for i := 0; i < 3; i++ {
			mgr.ObserveGPS(trip.GpsSample{SpeedKmh: 10, At: time.Now()})
		}
	}()
	require.Eventually(t, func() bool { return len(s.events) == cap(s.events) }, waitFor, pollEvery)

	done := make(chan struct{})
	go func() {
		mgr.Snapshots()
		mgr.Session(testSerial)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("manager blocked behind a full session queue")
	}
}

func TestUpdateController(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)

	other := testController()
	other.Serial = "EV-0002"
	require.Error(t, s.UpdateController(other))

	bad := testController()
	bad.Geometry.RimDiameterIn = 0
	require.NoError(t, s.UpdateController(bad))
	h.tr.send(t, frame(0, 1000, 0))
	snap := h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })
	assert.False(t, snap.Trip.WheelAvailable)
}

func TestShutdownPersistsOdometer(t *testing.T) {
	h := newHarness(t, Config{})
	s := h.connect()
	h.waitPhase(s, Streaming)
	h.tr.send(t, frame(0, 0, 2))
	h.waitSnapshot(s, func(s Snapshot) bool { return s.Trip.Samples == 1 })

	h.cancel()
	<-s.Done()
	assert.Equal(t, 102.0, h.store.savedOdometer(testSerial))
	assert.Equal(t, Disconnected, s.Snapshot().State.Phase)
	assert.ErrorIs(t, s.Disconnect(context.Background()), ErrStopped)
}

func TestTransportErrorUnwraps(t *testing.T) {
	err := error(&TransportError{Op: Dropped, Err: transport.ErrPairingLost})
	assert.ErrorIs(t, err, transport.ErrPairingLost)
	assert.Equal(t, "transport: dropped: transport: pairing lost", err.Error())
}

func TestPhaseText(t *testing.T) {
	for _, p := range []Phase{Disconnected, Connecting, Streaming, Reconnecting} {
		b, err := p.MarshalText()
		require.NoError(t, err)
		var got Phase
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, p, got)
	}
}
