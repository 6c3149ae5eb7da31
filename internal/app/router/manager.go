package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Manager keeps one Router per live session.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	routers map[domain.SessionID]*Router
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		routers: make(map[domain.SessionID]*Router),
	}
}

// Start creates the router for sid, closing any router it replaces.
func (m *Manager) Start(ctx context.Context, sid domain.SessionID) *Router {
	r := New(ctx, sid, m.cfg)

	m.mu.Lock()
	old, ok := m.routers[sid]
	m.routers[sid] = r
	m.mu.Unlock()

	if ok {
		log.Info().Str("module", "router").Str("sid", string(sid)).Msg("replacing existing router for sid")
		old.Close()
	}
	return r
}

func (m *Manager) Get(sid domain.SessionID) (*Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routers[sid]
	return r, ok
}

func (m *Manager) Publish(sid domain.SessionID, ev domain.Event) error {
	r, ok := m.Get(sid)
	if !ok {
		return ErrNoRouter
	}
	return r.Publish(ev)
}

func (m *Manager) Subscribe(sid domain.SessionID, name string, sink core.Sink) (*Subscription, error) {
	r, ok := m.Get(sid)
	if !ok {
		return nil, ErrNoRouter
	}
	return r.Subscribe(name, sink)
}

func (m *Manager) Unsubscribe(sid domain.SessionID, s *Subscription) {
	if r, ok := m.Get(sid); ok {
		r.Unsubscribe(s)
	}
}

// Stop closes r and forgets it if it is still the router registered for sid.
func (m *Manager) Stop(sid domain.SessionID, r *Router) {
	m.mu.Lock()
	if cur, ok := m.routers[sid]; ok && cur == r {
		delete(m.routers, sid)
	}
	m.mu.Unlock()
	r.Close()
}

// StopAll closes every router and returns them so callers can Wait.
func (m *Manager) StopAll() []*Router {
	m.mu.Lock()
	out := make([]*Router, 0, len(m.routers))
	for sid, r := range m.routers {
		out = append(out, r)
		delete(m.routers, sid)
	}
	m.mu.Unlock()

	for _, r := range out {
		r.Close()
	}
	return out
}

func (m *Manager) Stats(sid domain.SessionID) (Stats, bool) {
	r, ok := m.Get(sid)
	if !ok {
		return Stats{}, false
	}
	return r.Stats(), true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routers)
}
