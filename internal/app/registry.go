package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

var (
	ErrSessionConflict   = errors.New("session conflict")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

type sessionEntry struct {
	id        domain.SessionID
	config    domain.SessionConfig
	createdAt time.Time

	// guarded by Registry.mu
	state  domain.SessionState
	reason string
	actors int
	closer func()

	lastActivity atomic.Int64 // unix nanos; updated under the read lock
}

func (e *sessionEntry) snapshot() domain.Session {
	return domain.Session{
		ID:           e.id,
		State:        e.state,
		Config:       e.config.Clone(),
		CreatedAt:    e.createdAt,
		LastActivity: time.Unix(0, e.lastActivity.Load()),
		Actors:       e.actors,
		Reason:       e.reason,
	}
}

// Handle is an actor's claim on a session returned by CreateOrAttach.
// Owner is true for the actor that created the session.
type Handle struct {
	ID    domain.SessionID
	Owner bool

	entry    *sessionEntry
	detached atomic.Bool
}

// Config returns the sealed session config.
func (h *Handle) Config() domain.SessionConfig { return h.entry.config.Clone() }

// Registry is the single owner of live sessions. Writers (create, transitions, close,
// expire) are serialized; lookups run concurrently under the read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	defaults domain.SessionConfig
	idle     time.Duration
	now      func() time.Time
}

type RegistryOption func(*Registry)

// WithIdleTimeout sets how long a session may stay without activity before ExpireIdle
// closes it. Zero disables expiry.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idle = d }
}

// WithDefaults sets the config defaults applied before sessions are compared or sealed.
func WithDefaults(cfg domain.SessionConfig) RegistryOption {
	return func(r *Registry) { r.defaults = cfg.Clone() }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[domain.SessionID]*sessionEntry),
		defaults: domain.DefaultSessionConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrAttach creates a Pending session or attaches to the live one with the same id.
// Attaching with a config that differs after defaults fails with ErrSessionConflict.
func (r *Registry) CreateOrAttach(sid domain.SessionID, cfg domain.SessionConfig) (*Handle, error) {
	if sid == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionNotFound)
	}
	sealed := cfg.WithDefaults(r.defaults)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sid]; ok {
		if !e.config.Equal(sealed) {
			log.Warn().Str("module", "app.registry").Str("sid", string(sid)).
				Str("want_model", sealed.Model()).Str("have_model", e.config.Model()).
				Msg("attach rejected, config differs")
			return nil, fmt.Errorf("%w: session %q already running with a different config", ErrSessionConflict, sid)
		}
		e.actors++
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("actors", e.actors).Msg("attached to session")
		return &Handle{ID: sid, entry: e}, nil
	}

	now := r.now()
	e := &sessionEntry{
		id:        sid,
		config:    sealed,
		createdAt: now,
		state:     domain.StatePending,
		actors:    1,
	}
	e.lastActivity.Store(now.UnixNano())
	r.sessions[sid] = e
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("model", sealed.Model()).Msg("created session")
	return &Handle{ID: sid, Owner: true, entry: e}, nil
}

// Bind attaches the session's runtime teardown. If the session is already closed the
// closer runs immediately.
func (r *Registry) Bind(h *Handle, closer func()) {
	r.mu.Lock()
	if r.live(h) {
		h.entry.closer = closer
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if closer != nil {
		closer()
	}
}

// live reports whether h still refers to the registered session. Caller holds r.mu.
func (r *Registry) live(h *Handle) bool {
	if h == nil || h.entry == nil {
		return false
	}
	return r.sessions[h.ID] == h.entry && h.entry.state != domain.StateClosed
}

func (r *Registry) transition(h *Handle, to domain.SessionState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live(h) {
		return ErrSessionClosed
	}
	from := h.entry.state
	if from == to {
		return nil
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	h.entry.state = to
	h.entry.reason = reason
	log.Info().Str("module", "app.registry").Str("sid", string(h.ID)).
		Str("from", from.String()).Str("to", to.String()).Str("reason", reason).
		Msg("session state changed")
	return nil
}

func (r *Registry) MarkConnecting(h *Handle) error {
	return r.transition(h, domain.StateConnecting, "")
}

func (r *Registry) MarkActive(h *Handle) error {
	return r.transition(h, domain.StateActive, "")
}

func (r *Registry) MarkDegraded(h *Handle, reason string) error {
	return r.transition(h, domain.StateDegraded, reason)
}

// Close moves the session to Closed, removes it and runs its teardown once.
// Closing an already closed session is a no-op.
func (r *Registry) Close(h *Handle, reason string) {
	r.mu.Lock()
	if !r.live(h) {
		r.mu.Unlock()
		return
	}
	closer := r.closeLocked(h.entry, reason)
	r.mu.Unlock()

	if closer != nil {
		closer()
	}
}

// CloseByID closes the live session with the given id.
func (r *Registry) CloseByID(sid domain.SessionID, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	closer := r.closeLocked(e, reason)
	r.mu.Unlock()

	if closer != nil {
		closer()
	}
	return true
}

func (r *Registry) closeLocked(e *sessionEntry, reason string) func() {
	e.state = domain.StateClosed
	e.reason = reason
	if r.sessions[e.id] == e {
		delete(r.sessions, e.id)
	}
	closer := e.closer
	e.closer = nil
	log.Info().Str("module", "app.registry").Str("sid", string(e.id)).Str("reason", reason).Msg("closed session")
	return closer
}

// Detach releases an actor's claim. The session stays open until closed or expired.
func (r *Registry) Detach(h *Handle) {
	if h == nil || h.entry == nil || !h.detached.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.entry.actors > 0 {
		h.entry.actors--
	}
	log.Info().Str("module", "app.registry").Str("sid", string(h.ID)).Int("actors", h.entry.actors).Msg("detached from session")
}

// Touch records activity on the session.
func (r *Registry) Touch(sid domain.SessionID) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if ok {
		e.lastActivity.Store(r.now().UnixNano())
	}
}

// ExpireIdle closes every session without activity for longer than the idle timeout.
func (r *Registry) ExpireIdle(now time.Time) []domain.SessionID {
	if r.idle <= 0 {
		return nil
	}

	var (
		expired []domain.SessionID
		closers []func()
	)
	r.mu.Lock()
	for _, e := range r.sessions {
		last := time.Unix(0, e.lastActivity.Load())
		if now.Sub(last) <= r.idle {
			continue
		}
		expired = append(expired, e.id)
		if c := r.closeLocked(e, "idle"); c != nil {
			closers = append(closers, c)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c()
	}
	slices.Sort(expired)
	if len(expired) > 0 {
		log.Info().Str("module", "app.registry").Int("count", len(expired)).Msg("expired idle sessions")
	}
	return expired
}

// CloseAll closes every session, used on shutdown.
func (r *Registry) CloseAll(reason string) int {
	var closers []func()
	r.mu.Lock()
	n := len(r.sessions)
	for _, e := range r.sessions {
		if c := r.closeLocked(e, reason); c != nil {
			closers = append(closers, c)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c()
	}
	return n
}

func (r *Registry) Lookup(sid domain.SessionID) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.Session{}, false
	}
	return e.snapshot(), true
}

func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Session) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
