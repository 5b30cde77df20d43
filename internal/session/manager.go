package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/events"
	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/store"
)

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// RequireAuth makes every message other than the handshake fail with
	// AUTHENTICATION_REQUIRED until the session has authenticated.
	RequireAuth          bool
	ServerCapabilities   []string
	BroadcastConcurrency int
	MaxDepth             int
	// PersistInterval throttles how often Touch writes through to the store.
	PersistInterval time.Duration
}

func DefaultConfig() Config {
	caps := append([]string(nil), protocol.DefaultCapabilities...)
	caps = append(caps, protocol.ComponentCapabilities(component.NewBuiltinRegistry().Names())...)
	return Config{
		TTL:                  30 * time.Minute,
		SweepInterval:        time.Minute,
		ServerCapabilities:   caps,
		BroadcastConcurrency: 16,
		MaxDepth:             component.DefaultMaxDepth,
		PersistInterval:      30 * time.Second,
	}
}

type EventType string

const (
	EventCreated       EventType = "created"
	EventAuthenticated EventType = "authenticated"
	EventExpired       EventType = "expired"
	EventDestroyed     EventType = "destroyed"
)

// Event is a lifecycle notification. A session removed for idleness emits
// EventExpired only; EventDestroyed is reserved for explicit Destroy calls.
type Event struct {
	Type    EventType
	Session *Session
	Reason  string
}

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithStore persists session records to st.
func WithStore(st store.Store) Option {
	return func(m *Manager) { m.store = st }
}

func WithAuthenticator(a Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

// WithRegistry sets the full set of component types the server knows.
// Sessions are narrowed to a subset of it at handshake.
func WithRegistry(r *component.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics
	store    store.Store
	auth     Authenticator
	registry *component.Registry
	now      func() time.Time
	events   *events.Emitter[Event]

	mu       sync.RWMutex
	sessions map[string]*Session

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ServerCapabilities == nil {
		cfg.ServerCapabilities = def.ServerCapabilities
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = def.BroadcastConcurrency
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	m := &Manager{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = component.NewBuiltinRegistry()
	}
	m.events = events.NewEmitter[Event](m.logger)
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Create registers a new session for transport. Until it authenticates the
// session may use every type in the server registry.
func (m *Manager) Create(ctx context.Context, t Transport, info RequestInfo) *Session {
	now := m.now()
	s := newSession(uuid.NewString(), t, info, now, m.registry, m.cfg.MaxDepth)

	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.persist(ctx, s)
	m.metrics.SessionsActive(n)
	m.metrics.SessionEvent(string(EventCreated))
	m.logger.Info().
		Str("session_id", s.id).
		Str("remote_addr", info.RemoteAddr).
		Msg("session created")
	m.events.Emit(Event{Type: EventCreated, Session: s})
	return s
}

// Authenticate validates creds and, on success, marks s authenticated with
// the intersection of the server capabilities and requested. A failed
// attempt leaves s untouched.
func (m *Manager) Authenticate(ctx context.Context, s *Session, creds *protocol.Credentials, requested []string) ([]string, error) {
	if _, ok := m.Get(s.id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.id)
	}
	var subject string
	if m.auth != nil {
		var err error
		subject, err = m.auth.Authenticate(ctx, s, creds)
		if err != nil {
			m.metrics.SessionEvent("auth_failed")
			m.logger.Warn().Err(err).Str("session_id", s.id).Msg("session authentication failed")
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return nil, pe
			}
			return nil, protocol.NewError(protocol.CodeAuthenticationFailed, err.Error(), err)
		}
	}

	negotiated := protocol.Negotiate(m.cfg.ServerCapabilities, requested)
	types := m.registry.Subset(protocol.ComponentTypes(negotiated))

	s.mu.Lock()
	s.authenticated = true
	s.capabilities = negotiated
	s.types = types
	if subject != "" {
		s.metadata[MetaSubject] = subject
	}
	s.mu.Unlock()
	s.touch(m.now())

	m.persist(ctx, s)
	m.metrics.SessionEvent(string(EventAuthenticated))
	m.logger.Info().
		Str("session_id", s.id).
		Str("subject", subject).
		Strs("capabilities", negotiated).
		Msg("session authenticated")
	m.events.Emit(Event{Type: EventAuthenticated, Session: s})
	return append([]string(nil), negotiated...), nil
}

// Touch records activity on s. Store writes are throttled by PersistInterval.
func (m *Manager) Touch(s *Session) {
	now := m.now()
	s.touch(now)
	if m.store == nil {
		return
	}
	last := s.lastPersist.Load()
	if now.UnixNano()-last < int64(m.cfg.PersistInterval) {
		return
	}
	if s.lastPersist.CompareAndSwap(last, now.UnixNano()) {
		m.persist(context.Background(), s)
	}
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns live sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy removes the session, closes its transport normally and emits
// EventDestroyed.
func (m *Manager) Destroy(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.transport.Close(protocol.CloseNormal, reason); err != nil {
		m.logger.Debug().Err(err).Str("session_id", id).Msg("session transport close failed")
	}
	m.forget(ctx, id)
	m.metrics.SessionsActive(n)
	m.metrics.SessionEvent(string(EventDestroyed))
	m.logger.Info().Str("session_id", id).Str("reason", reason).Msg("session destroyed")
	m.events.Emit(Event{Type: EventDestroyed, Session: s, Reason: reason})
	return nil
}

// IsExpired reports whether s has been idle longer than the TTL at now.
func (m *Manager) IsExpired(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity()) > m.cfg.TTL
}

// Sweep removes every expired session, closing its transport with the
// timeout close code, and returns the removed ids.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if m.IsExpired(s, now) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.id)
		if err := s.transport.Close(protocol.CloseTimeout, "session timeout"); err != nil {
			m.logger.Debug().Err(err).Str("session_id", s.id).Msg("session transport close failed")
		}
		m.forget(ctx, s.id)
		m.metrics.SessionEvent(string(EventExpired))
		m.logger.Info().
			Str("session_id", s.id).
			Time("last_activity", s.LastActivity()).
			Msg("session expired")
		m.events.Emit(Event{Type: EventExpired, Session: s, Reason: "timeout"})
	}
	if len(expired) > 0 {
		m.metrics.SessionsActive(n)
	}

	if m.store != nil {
		removed, err := m.store.CleanupBefore(ctx, now.Add(-m.cfg.TTL))
		if err != nil {
			m.logger.Warn().Err(err).Msg("session store cleanup failed")
		} else if removed > 0 {
			m.logger.Debug().Int("removed", removed).Msg("session store cleanup")
		}
	}
	sort.Strings(ids)
	return ids
}

// Start runs Sweep every SweepInterval until ctx ends or Stop is called.
// Calling Start on a running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(ctx, m.done)
}

func (m *Manager) sweepLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.runMu.Lock()
		if m.done == done {
			m.cancel()
			m.cancel, m.done = nil, nil
		}
		m.runMu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Broadcast sends msg to every session, or only authenticated ones, and
// waits for every send to finish. Failures are returned per session id and
// never stop delivery to the others.
func (m *Manager) Broadcast(ctx context.Context, msg protocol.Message, authenticatedOnly bool) map[string]error {
	targets := m.List()

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		g      errgroup.Group
	)
	g.SetLimit(m.cfg.BroadcastConcurrency)
	for _, s := range targets {
		if authenticatedOnly && !s.Authenticated() {
			continue
		}
		s := s
		g.Go(func() error {
			if err := s.Send(ctx, msg); err != nil {
				mu.Lock()
				failed[s.id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		m.logger.Warn().
			Str("message_id", msg.ID()).
			Int("failed", len(failed)).
			Int("targets", len(targets)).
			Msg("broadcast partially failed")
	}
	return failed
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	s.lastPersist.Store(m.now().UnixNano())
	if err := m.store.Set(ctx, s.Record()); err != nil {
		m.logger.Warn().Err(err).Str("session_id", s.id).Msg("session persist failed")
	}
}

func (m *Manager) forget(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("session delete failed")
	}
}
