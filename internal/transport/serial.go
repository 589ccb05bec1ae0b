package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/evdash/internal/telemetry"
)

// SerialConfig holds connection settings for a UART bridge that streams
// frames back to back.
type SerialConfig struct {
	PortPath     string        `yaml:"port_path" json:"portPath"`
	BaudRate     int           `yaml:"baud_rate" json:"baudRate"`
	StallTimeout time.Duration `yaml:"stall_timeout" json:"stallTimeout"` // silence treated as a dropped link
}

// readPort is the part of serial.Port the transport uses.
type readPort interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

var errStalled = errors.New("serial: no data")

const serialReadTimeout = 200 * time.Millisecond

// Serial reads frames from one serial port. The port carries a single
// controller; the id passed to Connect only keys the subscription.
type Serial struct {
	cfg  SerialConfig
	open func(path string, mode *serial.Mode) (readPort, error)

	mu   sync.Mutex
	link *serialLink
}

type serialLink struct {
	id   string
	port readPort
	stop chan struct{}
	done chan struct{}
}

// NewSerial creates a serial transport.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = 5 * time.Second
	}
	return &Serial{
		cfg: cfg,
		open: func(path string, mode *serial.Mode) (readPort, error) {
			return serial.Open(path, mode)
		},
	}
}

func (s *Serial) Name() string { return "Serial " + s.cfg.PortPath }

func (s *Serial) Connect(ctx context.Context, id string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return fmt.Errorf("serial: %s carries %s: %w", s.cfg.PortPath, s.link.id, ErrAlreadyConnected)
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	log.Printf("[serial] opened %s at %d baud for %s", s.cfg.PortPath, s.cfg.BaudRate, id)

	link := &serialLink{id: id, port: port, stop: make(chan struct{}), done: make(chan struct{})}
	s.link = link
	go s.readLoop(link, h)
	return nil
}

func (s *Serial) Disconnect(id string) error {
	s.mu.Lock()
	link := s.link
	if link == nil || link.id != id {
		s.mu.Unlock()
		return nil
	}
	s.link = nil
	s.mu.Unlock()

	close(link.stop)
	err := link.port.Close()
	<-link.done
	return err
}

func (s *Serial) readLoop(link *serialLink, h Handler) {
	defer close(link.done)

	var (
		r        telemetry.Reassembler
		buf      = make([]byte, 256)
		lastData = time.Now()
	)
	fail := func(err error) {
		select {
		case <-link.stop:
			return
		default:
		}
		s.mu.Lock()
		if s.link == link {
			s.link = nil
		}
		s.mu.Unlock()
		link.port.Close()
		log.Printf("[serial] %s: %v", link.id, err)
		h.OnDisconnected(link.id, err)
	}

	for {
		select {
		case <-link.stop:
			return
		default:
		}
		n, err := link.port.Read(buf)
		if err != nil {
			fail(err)
			return
		}
		if n == 0 {
			if time.Since(lastData) > s.cfg.StallTimeout {
				fail(errStalled)
				return
			}
			continue
		}
		lastData = time.Now()
		for _, f := range r.Feed(buf[:n]) {
			h.OnFrame(link.id, f)
		}
	}
}
