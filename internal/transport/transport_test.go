package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/shaunagostinho/evdash/internal/telemetry"
)

type recordingHandler struct {
	mu      sync.Mutex
	frames  [][]byte
	reasons []error
}

func (h *recordingHandler) OnFrame(_ string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), data...))
}

func (h *recordingHandler) OnDisconnected(_ string, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *recordingHandler) counts() (frames, drops int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames), len(h.reasons)
}

// fakePort replays queued chunks, then reports read timeouts as (0, nil)
// like a real port until closed or failed.
type fakePort struct {
	chunks  chan []byte
	closed  chan struct{}
	once    sync.Once
	failErr error
	timeout time.Duration
}

func newFakePort() *fakePort {
	return &fakePort{chunks: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("port closed")
	case c, ok := <-p.chunks:
		if !ok {
			return 0, p.failErr
		}
		return copy(b, c), nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func newTestSerial(port *fakePort, stall time.Duration) *Serial {
	s := NewSerial(SerialConfig{PortPath: "/dev/ttyTEST", StallTimeout: stall})
	s.open = func(string, *serial.Mode) (readPort, error) { return port, nil }
	return s
}

func testFrame(seq uint16) []byte {
	return telemetry.Encode(telemetry.Reading{VoltageV: 60, MotorRPM: 100, Sequence: seq})
}

func TestSerialReassemblesStream(t *testing.T) {
	port := newFakePort()
	s := newTestSerial(port, time.Minute)
	h := &recordingHandler{}
	require.NoError(t, s.Connect(context.Background(), "EV-1", h))

	stream := append(append([]byte{0x00, 0xFF}, testFrame(1)...), testFrame(2)...)
	port.chunks <- stream[:11]
	port.chunks <- stream[11:40]
	port.chunks <- stream[40:]

	require.Eventually(t, func() bool { f, _ := h.counts(); return f == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Disconnect("EV-1"))
	_, drops := h.counts()
	assert.Zero(t, drops, "a requested disconnect is not a drop")
}

func TestSerialOneControllerPerPort(t *testing.T) {
	port := newFakePort()
	s := newTestSerial(port, time.Minute)
	require.NoError(t, s.Connect(context.Background(), "EV-1", &recordingHandler{}))
	defer s.Disconnect("EV-1")

	require.ErrorIs(t, s.Connect(context.Background(), "EV-2", &recordingHandler{}), ErrAlreadyConnected)
	require.NoError(t, s.Disconnect("EV-2"), "unknown id is a no-op")
}

func TestSerialReadErrorIsADrop(t *testing.T) {
	port := newFakePort()
	port.failErr = errors.New("device unplugged")
	s := newTestSerial(port, time.Minute)
	h := &recordingHandler{}
	require.NoError(t, s.Connect(context.Background(), "EV-1", h))

	close(port.chunks)
	require.Eventually(t, func() bool { _, d := h.counts(); return d == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualError(t, h.reasons[0], "device unplugged")

	// The port is free again.
	port2 := newFakePort()
	s.open = func(string, *serial.Mode) (readPort, error) { return port2, nil }
	require.NoError(t, s.Connect(context.Background(), "EV-1", h))
	require.NoError(t, s.Disconnect("EV-1"))
}

func TestSerialStallIsADrop(t *testing.T) {
	port := newFakePort()
	s := newTestSerial(port, 50*time.Millisecond)
	h := &recordingHandler{}
	require.NoError(t, s.Connect(context.Background(), "EV-1", h))

	require.Eventually(t, func() bool { _, d := h.counts(); return d == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.reasons[0], errStalled)
}

func TestDemoEmitsDecodableFrames(t *testing.T) {
	d := NewDemo(5 * time.Millisecond)
	h := &recordingHandler{}
	require.NoError(t, d.Connect(context.Background(), "EV-1", h))
	require.Eventually(t, func() bool { f, _ := h.counts(); return f >= 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Disconnect("EV-1"))

	h.mu.Lock()
	defer h.mu.Unlock()
	var prev uint16
	for i, f := range h.frames {
		r, err := telemetry.Decode(f, time.Now())
		require.NoError(t, err)
		if i > 0 {
			assert.Equal(t, prev+1, r.Sequence)
		}
		prev = r.Sequence
	}
}

func TestDemoRefusesSecondLink(t *testing.T) {
	d := NewDemo(time.Hour)
	first, second := &recordingHandler{}, &recordingHandler{}
	require.NoError(t, d.Connect(context.Background(), "EV-1", first))
	assert.ErrorIs(t, d.Connect(context.Background(), "EV-1", second), ErrAlreadyConnected)
	require.NoError(t, d.Connect(context.Background(), "EV-2", second), "other ids are independent")

	require.NoError(t, d.Disconnect("EV-1"))
	require.NoError(t, d.Connect(context.Background(), "EV-1", second))
	require.NoError(t, d.Disconnect("EV-1"))
	require.NoError(t, d.Disconnect("EV-2"))
}

func variant(v any) dbus.Variant { return dbus.MakeVariant(v) }

func testObjects() managedObjects {
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	return managedObjects{
		"/org/bluez/hci0/dev_11_22_33_44_55_66": {
			bluezDeviceIface: {"Address": variant("11:22:33:44:55:66"), "Name": variant("headphones")},
		},
		dev: {
			bluezDeviceIface: {"Address": variant("AA:BB:CC:DD:EE:FF"), "Name": variant("EV-0001"), "Connected": variant(true)},
		},
		dev + "/service0010": {
			bluezServiceIface: {"UUID": variant("0000180a-0000-1000-8000-00805f9b34fb")},
		},
		dev + "/service0020": {
			bluezServiceIface: {"UUID": variant("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")},
		},
		dev + "/service0020/char0021": {
			bluezCharIface: {"UUID": variant("6e400002-b5a3-f393-e0a9-e50e24dcca9e")},
		},
		dev + "/service0020/char0023": {
			bluezCharIface: {"UUID": variant("6e400003-b5a3-f393-e0a9-e50e24dcca9e")},
		},
	}
}

func testBlueZ(addresses map[string]string) *BlueZ {
	return &BlueZ{cfg: BlueZConfig{
		Adapter:        "hci0",
		ServiceUUID:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		NotifyCharUUID: "6E400003-B5A3-F393-E0A9-E50E24DCCA9E",
		Addresses:      addresses,
	}}
}

func TestBlueZFindsDeviceAndCharacteristic(t *testing.T) {
	objects := testObjects()

	for name, b := range map[string]*BlueZ{
		"by name":    testBlueZ(nil),
		"by address": testBlueZ(map[string]string{"EV-0001": "aa:bb:cc:dd:ee:ff"}),
	} {
		t.Run(name, func(t *testing.T) {
			path, props, err := b.findDevice(objects, "EV-0001")
			require.NoError(t, err)
			assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), path)
			connected, _ := props["Connected"].Value().(bool)
			assert.True(t, connected)

			char, err := b.findCharacteristic(objects, path)
			require.NoError(t, err)
			assert.Equal(t, path+"/service0020/char0023", char)
		})
	}
}

func TestBlueZUnknownDeviceIsPairingLost(t *testing.T) {
	_, _, err := testBlueZ(nil).findDevice(testObjects(), "EV-9999")
	assert.ErrorIs(t, err, ErrPairingLost)

	_, _, err = testBlueZ(nil).findDevice(testObjects(), "")
	assert.ErrorIs(t, err, ErrPairingLost)
}

func TestBlueZMissingService(t *testing.T) {
	b := testBlueZ(nil)
	b.cfg.ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	_, err := b.findCharacteristic(testObjects(), "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPairingLost)
}

func TestClassifyDBusError(t *testing.T) {
	gone := dbus.Error{Name: dbusUnknownObject, Body: []any{"Method Connect with signature on interface Device1 doesn't exist"}}
	assert.ErrorIs(t, classifyDBusError(gone), ErrPairingLost)

	busy := dbus.Error{Name: "org.bluez.Error.Failed", Body: []any{"le-connection-abort-by-local"}}
	assert.NotErrorIs(t, classifyDBusError(busy), ErrPairingLost)
}
