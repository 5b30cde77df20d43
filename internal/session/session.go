// Package session tracks connected peers: identity, authentication state,
// negotiated capabilities, idle expiry and the component tree each session
// has been sent.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/store"
)

var ErrNotFound = errors.New("session: not found")

// Transport is the connection a session writes to.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close(code int, reason string) error
}

// RequestInfo is what the server knew about the peer when it connected.
type RequestInfo struct {
	RemoteAddr string
	UserAgent  string
	ClientID   string
	Metadata   map[string]string
}

const (
	MetaRemoteAddr = "remote_addr"
	MetaUserAgent  = "user_agent"
	MetaClientID   = "client_id"
	MetaSubject    = "subject"
)

type Session struct {
	id        string
	transport Transport
	createdAt time.Time
	maxDepth  int

	lastActivity atomic.Int64
	lastPersist  atomic.Int64

	mu            sync.RWMutex
	authenticated bool
	capabilities  []string
	metadata      map[string]string
	types         *component.Registry

	tree *component.Tree
}

func newSession(id string, t Transport, info RequestInfo, now time.Time, types *component.Registry, maxDepth int) *Session {
	md := make(map[string]string, len(info.Metadata)+3)
	for k, v := range info.Metadata {
		md[k] = v
	}
	if info.RemoteAddr != "" {
		md[MetaRemoteAddr] = info.RemoteAddr
	}
	if info.UserAgent != "" {
		md[MetaUserAgent] = info.UserAgent
	}
	if info.ClientID != "" {
		md[MetaClientID] = info.ClientID
	}
	s := &Session{
		id:        id,
		transport: t,
		createdAt: now,
		maxDepth:  maxDepth,
		metadata:  md,
		types:     types,
	}
	s.lastActivity.Store(now.UnixNano())
	s.tree = component.NewTree(component.Options{MaxDepth: maxDepth, Types: s})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Transport() Transport { return s.transport }

func (s *Session) Tree() *component.Tree { return s.tree }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.capabilities...)
}

// HasCapability reports whether name was negotiated at handshake.
func (s *Session) HasCapability(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Session) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *Session) Meta(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[key]
}

// Types returns the component types this session may receive.
func (s *Session) Types() *component.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types
}

// Allows and CheckProperties make the session the type checker of its own
// tree, so the allowed set follows whatever was negotiated.
func (s *Session) Allows(typ string) bool { return s.Types().Allows(typ) }

func (s *Session) CheckProperties(typ string, props *component.Props) error {
	return s.Types().CheckProperties(typ, props)
}

// ValidateOptions are the message validation options for traffic on this
// session.
func (s *Session) ValidateOptions() protocol.ValidateOptions {
	return protocol.ValidateOptions{MaxDepth: s.maxDepth, Types: s}
}

func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	return s.transport.Send(ctx, msg)
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Record is the persisted form of the session.
func (s *Session) Record() store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return store.Record{
		ID:            s.id,
		ClientID:      s.metadata[MetaClientID],
		Authenticated: s.authenticated,
		Capabilities:  append([]string(nil), s.capabilities...),
		CreatedAt:     s.createdAt,
		LastActivity:  s.LastActivity(),
		Metadata:      md,
	}
}
