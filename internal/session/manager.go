package session

import (
	"context"
	"sort"
	"sync"

	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/internal/trip"
)

// Manager keeps one Session per connected controller, all sharing one
// transport, store and renderer.
type Manager struct {
	ctx       context.Context
	transport transport.Transport
	store     Store
	renderer  Renderer
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager returns a manager whose sessions live until ctx is cancelled.
func NewManager(ctx context.Context, t transport.Transport, store Store, r Renderer, cfg Config) *Manager {
	return &Manager{
		ctx:       ctx,
		transport: t,
		store:     store,
		renderer:  r,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
	}
}

// Connect starts (or reuses) the session for serial and asks it to connect.
// Unknown serials fail with ErrUnknownController and leave no session.
func (m *Manager) Connect(ctx context.Context, serial string) (*Session, error) {
	c, err := loadController(ctx, m.store, serial)
	if err != nil {
		return nil, err
	}
	s := m.session(serial, true)
	if err := s.connectWith(*c); err != nil {
		return nil, err
	}
	return s, nil
}

// Disconnect disconnects serial if it has a session. It never fails for an
// idle or unknown serial.
func (m *Manager) Disconnect(ctx context.Context, serial string) error {
	s := m.session(serial, false)
	if s == nil {
		return nil
	}
	return s.Disconnect(ctx)
}

// Session returns the session for serial, if one has been started.
func (m *Manager) Session(serial string) (*Session, bool) {
	s := m.session(serial, false)
	return s, s != nil
}

// Snapshots returns the latest snapshot of every session, ordered by serial.
func (m *Manager) Snapshots() []Snapshot {
	sessions := m.list()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// ObserveGPS feeds a GPS sample to every session; there is one receiver per
// vehicle, and at most one vehicle per controller.
func (m *Manager) ObserveGPS(sample trip.GpsSample) {
	for _, s := range m.list() {
		s.ObserveGPS(sample)
	}
}

// list copies the session set so callers can post without holding m.mu.
func (m *Manager) list() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Wait blocks until every session loop has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) session(serial string, create bool) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[serial]; ok || !create {
		return s
	}
	s := New(serial, m.transport, m.store, m.renderer, m.cfg)
	m.sessions[serial] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = s.Run(m.ctx)
	}()
	return s
}
