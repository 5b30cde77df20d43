// Package ws serves the protocol over WebSocket: it upgrades connections,
// binds each to a session, dispatches inbound messages and delivers pushes
// through the outbound queue.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/queue"
	"github.com/HsiangNianian/mup/internal/router"
	"github.com/HsiangNianian/mup/internal/session"
	"github.com/HsiangNianian/mup/internal/store"
)

var errTargetGone = errors.New("ws: target session is gone")

// Delivery statuses recorded in the message log.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
)

// Generator produces the component tree for a ui-request that names no
// routed action.
type Generator interface {
	Generate(ctx context.Context, s *session.Session, req protocol.UIRequest) (*component.Component, error)
}

type GeneratorFunc func(ctx context.Context, s *session.Session, req protocol.UIRequest) (*component.Component, error)

func (f GeneratorFunc) Generate(ctx context.Context, s *session.Session, req protocol.UIRequest) (*component.Component, error) {
	return f(ctx, s, req)
}

type Config struct {
	// MalformedLimit closes a connection after this many consecutive
	// unparseable frames.
	MalformedLimit int
	ReadLimit      int64
	// AdmissionRate limits new connections per second; zero disables it.
	AdmissionRate  float64
	AdmissionBurst int
	DedupeTTL      time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Queue          queue.Config
}

func DefaultConfig() Config {
	return Config{
		MalformedLimit: 3,
		ReadLimit:      1 << 20,
		DedupeTTL:      24 * time.Hour,
		WriteTimeout:   10 * time.Second,
		Queue:          queue.DefaultConfig(),
	}
}

type Option func(*Hub)

func WithRouter(r *router.Router) Option {
	return func(h *Hub) { h.router = r }
}

func WithGenerator(g Generator) Option {
	return func(h *Hub) { h.generator = g }
}

// WithMessageLog enables duplicate suppression and delivery status tracking.
func WithMessageLog(l store.MessageLog) Option {
	return func(h *Hub) { h.msglog = l }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

type Hub struct {
	cfg       Config
	sessions  *session.Manager
	router    *router.Router
	generator Generator
	msglog    store.MessageLog
	logger    zerolog.Logger
	metrics   *observability.Metrics

	queue    *queue.Queue
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	// pushMu keeps each push's tree change and enqueue together, so a
	// rollback never discards a later push.
	pushMu sync.Mutex
}

func NewHub(cfg Config, sessions *session.Manager, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.MalformedLimit <= 0 {
		cfg.MalformedLimit = def.MalformedLimit
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = def.DedupeTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	h := &Hub{
		cfg:      cfg,
		sessions: sessions,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.AdmissionRate), burst)
	}
	h.queue = queue.New(cfg.Queue, h.deliver,
		queue.WithName("outbound"),
		queue.WithLogger(h.logger),
		queue.WithMetrics(h.metrics))
	h.queue.Subscribe(h.trackDelivery)
	return h
}

func (h *Hub) Sessions() *session.Manager { return h.sessions }

func (h *Hub) Queue() *queue.Queue { return h.queue }

// Start runs the outbound queue and the session sweep.
func (h *Hub) Start(ctx context.Context) {
	h.queue.Start(ctx)
	h.sessions.Start(ctx)
}

// Stop halts delivery and the sweep, then closes every session.
func (h *Hub) Stop(ctx context.Context) {
	h.queue.Stop()
	h.sessions.Stop()
	for _, s := range h.sessions.List() {
		_ = h.sessions.Destroy(ctx, s.ID(), "server shutting down")
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.metrics.ConnectionRejected()
		h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("connection rejected by admission limit")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	raw.SetReadLimit(h.cfg.ReadLimit)
	conn := NewConn(raw)

	ctx := context.Background()
	s := h.sessions.Create(ctx, conn, session.RequestInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		ClientID:   r.URL.Query().Get("client_id"),
		Metadata:   map[string]string{"origin": r.Header.Get("Origin")},
	})
	h.serve(ctx, s, conn)
}

func (h *Hub) serve(ctx context.Context, s *session.Session, conn *Conn) {
	defer func() {
		if err := h.sessions.Destroy(ctx, s.ID(), "connection closed"); err != nil && !errors.Is(err, session.ErrNotFound) {
			h.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("session destroy failed")
		}
		_ = conn.Close(protocol.CloseNormal, "")
	}()

	malformed := 0
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Str("session_id", s.ID()).Msg("read loop ended")
			return
		}
		h.sessions.Touch(s)

		msg, err := protocol.Parse(data)
		if err != nil {
			malformed++
			h.replyError(ctx, s, "", err)
			if malformed >= h.cfg.MalformedLimit {
				h.logger.Warn().Str("session_id", s.ID()).Int("malformed", malformed).Msg("closing connection after repeated malformed messages")
				_ = conn.Close(protocol.ClosePolicyViolation, "too many malformed messages")
				return
			}
			continue
		}
		malformed = 0
		h.metrics.Message("in", string(msg.Kind()))
		h.handle(ctx, s, msg)
	}
}

// handle validates and dispatches one inbound message.
func (h *Hub) handle(ctx context.Context, s *session.Session, msg protocol.Message) {
	if res := protocol.Validate(msg, s.ValidateOptions()); !res.OK() {
		h.replyError(ctx, s, msg.ID(), res.Err())
		return
	}
	kind := msg.Kind()
	if kind != protocol.KindHandshakeRequest && kind != protocol.KindPing &&
		h.sessions.Config().RequireAuth && !s.Authenticated() {
		h.replyError(ctx, s, msg.ID(), protocol.Errorf(protocol.CodeAuthenticationRequired, "handshake required before %s", kind))
		return
	}

	dedupe := h.msglog != nil && (kind == protocol.KindUIRequest || kind == protocol.KindEventTrigger)
	if dedupe {
		seen, err := h.msglog.IsProcessed(ctx, msg.ID())
		if err != nil {
			h.logger.Warn().Err(err).Str("message_id", msg.ID()).Msg("dedupe lookup failed")
		} else if seen {
			h.logger.Debug().Str("message_id", msg.ID()).Msg("duplicate ignored")
			return
		}
	}

	switch kind {
	case protocol.KindHandshakeRequest:
		h.handshake(ctx, s, msg)
	case protocol.KindPing:
		var p protocol.Ping
		_ = msg.Decode(&p)
		h.reply(ctx, s, protocol.KindPong, protocol.Pong{PingID: msg.ID(), Seq: p.Seq})
	case protocol.KindPong:
	case protocol.KindUIRequest:
		h.uiRequest(ctx, s, msg)
	case protocol.KindEventTrigger:
		h.eventTrigger(ctx, s, msg)
	case protocol.KindError:
		var p protocol.ErrorPayload
		_ = msg.Decode(&p)
		h.logger.Warn().Str("session_id", s.ID()).Str("code", string(p.Code)).Msg("peer reported error: " + p.Message)
	default:
		h.replyError(ctx, s, msg.ID(), protocol.Errorf(protocol.CodeValidationFailed, "%s is not accepted from clients", kind))
	}

	if dedupe {
		if err := h.msglog.MarkProcessed(ctx, msg.ID(), h.cfg.DedupeTTL); err != nil {
			h.logger.Warn().Err(err).Str("message_id", msg.ID()).Msg("mark processed failed")
		}
	}
}

func (h *Hub) handshake(ctx context.Context, s *session.Session, msg protocol.Message) {
	var req protocol.HandshakeRequest
	if err := msg.Decode(&req); err != nil {
		h.replyError(ctx, s, msg.ID(), protocol.NewError(protocol.CodeValidationFailed, err.Error(), err))
		return
	}
	reject := func(code int, err error) {
		h.metrics.ProtocolError(string(protocol.CodeOf(err)))
		h.reply(ctx, s, protocol.KindHandshakeResponse, protocol.HandshakeResponse{
			Accepted:           false,
			ServerCapabilities: []string{},
			Version:            protocol.Version,
			Reason:             err.Error(),
		})
		_ = s.Transport().Close(code, string(protocol.CodeOf(err)))
	}

	if err := protocol.Compatible(req.Version); err != nil {
		reject(protocol.ClosePolicyViolation, err)
		return
	}
	caps, err := h.sessions.Authenticate(ctx, s, req.Credentials, req.Capabilities)
	if err != nil {
		reject(protocol.CloseAuthFailed, err)
		return
	}
	h.reply(ctx, s, protocol.KindHandshakeResponse, protocol.HandshakeResponse{
		Accepted:           true,
		SessionID:          s.ID(),
		ServerCapabilities: caps,
		Version:            protocol.Version,
	})
}

func (h *Hub) uiRequest(ctx context.Context, s *session.Session, msg protocol.Message) {
	var req protocol.UIRequest
	if err := msg.Decode(&req); err != nil {
		h.replyError(ctx, s, msg.ID(), protocol.NewError(protocol.CodeValidationFailed, err.Error(), err))
		return
	}

	var (
		tree *component.Component
		err  error
	)
	switch {
	case req.Action != "" && h.router != nil:
		res := h.dispatch(ctx, s, req.Action, "ui-request", req, msg.ID())
		if res.Error != nil {
			h.uiError(ctx, s, msg.ID(), routeFailure(res))
			return
		}
		tree, err = asTree(res.Data)
	case h.generator != nil:
		tree, err = h.generator.Generate(ctx, s, req)
	default:
		err = protocol.Errorf(protocol.CodeRouteNotFound, "no generator for intent %q", req.Intent)
	}
	if err != nil {
		h.uiError(ctx, s, msg.ID(), err)
		return
	}
	if tree != nil {
		h.pushMu.Lock()
		err := s.Tree().Replace(tree)
		h.pushMu.Unlock()
		if err != nil {
			h.uiError(ctx, s, msg.ID(), protocol.NewError(protocol.CodeValidationFailed, err.Error(), err))
			return
		}
	}
	h.reply(ctx, s, protocol.KindUIResponse, protocol.UIResponse{RequestID: msg.ID(), Component: tree})
}

func (h *Hub) uiError(ctx context.Context, s *session.Session, requestID string, err error) {
	payload := errorPayload(err, requestID)
	h.metrics.ProtocolError(string(payload.Code))
	h.reply(ctx, s, protocol.KindUIResponse, protocol.UIResponse{RequestID: requestID, Error: &payload})
}

// eventTrigger routes an event to the action bound on the target component.
// Unbound events go to /events/<component>/<event>.
func (h *Hub) eventTrigger(ctx context.Context, s *session.Session, msg protocol.Message) {
	var ev protocol.EventTrigger
	if err := msg.Decode(&ev); err != nil {
		h.replyError(ctx, s, msg.ID(), protocol.NewError(protocol.CodeValidationFailed, err.Error(), err))
		return
	}
	node, ok := component.Find(s.Tree().Root(), ev.ComponentID)
	if !ok {
		h.replyError(ctx, s, msg.ID(), protocol.Errorf(protocol.CodeValidationFailed, "unknown component %q", ev.ComponentID))
		return
	}
	if h.router == nil {
		h.replyError(ctx, s, msg.ID(), protocol.Errorf(protocol.CodeRouteNotFound, "no router for event %q", ev.EventType))
		return
	}
	action := "/events/" + ev.ComponentID + "/" + ev.EventType
	for _, b := range node.Events {
		if b.Event == ev.EventType && b.Action != "" {
			action = b.Action
			break
		}
	}

	res := h.dispatch(ctx, s, action, "event", ev, msg.ID())
	if res.Error != nil {
		h.replyError(ctx, s, msg.ID(), routeFailure(res))
		return
	}
	var err error
	switch v := res.Data.(type) {
	case *component.Component:
		_, err = h.PushTree(ctx, s.ID(), v)
	case protocol.ComponentUpdate:
		_, err = h.Push(ctx, s.ID(), v, 0)
	case *protocol.ComponentUpdate:
		_, err = h.Push(ctx, s.ID(), *v, 0)
	}
	if err != nil {
		h.replyError(ctx, s, msg.ID(), err)
	}
}

func (h *Hub) dispatch(ctx context.Context, s *session.Session, action, method string, body any, msgID string) router.Response {
	return h.router.Dispatch(ctx, s.ID(), router.Request{
		Action:    action,
		Method:    method,
		Body:      body,
		MessageID: msgID,
		Metadata:  s.Metadata(),
	})
}

// routeError carries a router failure, including its cause code, to the
// error reply.
type routeError struct {
	info router.ErrorInfo
}

func (e *routeError) Error() string { return e.info.Message }

func routeFailure(res router.Response) error {
	return &routeError{info: *res.Error}
}

func errorPayload(err error, requestID string) protocol.ErrorPayload {
	var re *routeError
	if errors.As(err, &re) {
		return protocol.ErrorPayload{
			Code:      re.info.Code,
			Message:   re.info.Message,
			RequestID: requestID,
			Cause:     re.info.Cause,
		}
	}
	return protocol.AsError(err).Payload(requestID)
}

func asTree(data any) (*component.Component, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case *component.Component:
		return v, nil
	case component.Component:
		return &v, nil
	default:
		return nil, protocol.Errorf(protocol.CodeHandlerError, "handler returned %T, want a component", data)
	}
}

// Push applies up to the session's tree and queues it for delivery. The
// tree change is rolled back when the queue refuses the message.
func (h *Hub) Push(ctx context.Context, sessionID string, up protocol.ComponentUpdate, priority int) (string, error) {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if s.Authenticated() {
		if !s.HasCapability(protocol.CapabilityComponentUpdate) {
			return "", protocol.Errorf(protocol.CodeValidationFailed, "session %s did not negotiate %s", sessionID, protocol.CapabilityComponentUpdate)
		}
		if up.Partial && !s.HasCapability(protocol.CapabilityPartialUpdates) {
			return "", protocol.Errorf(protocol.CodeValidationFailed, "session %s did not negotiate %s", sessionID, protocol.CapabilityPartialUpdates)
		}
	}
	msg, err := protocol.Build(protocol.KindComponentUpdate, up)
	if err != nil {
		return "", err
	}

	h.pushMu.Lock()
	prev := s.Tree().Root()
	if err := s.Tree().Apply(up.Component, up.Partial, up.ParentID); err != nil {
		h.pushMu.Unlock()
		return "", protocol.NewError(protocol.CodeValidationFailed, err.Error(), err)
	}
	h.setStatus(ctx, msg.ID(), StatusQueued)
	_, err = h.queue.EnqueueItem(queue.Item{
		ID:         msg.ID(),
		Message:    msg,
		Target:     sessionID,
		Priority:   priority,
		MaxRetries: h.queue.Config().MaxRetries,
	})
	if err != nil {
		if rerr := s.Tree().Replace(prev); rerr != nil {
			h.logger.Warn().Err(rerr).Str("session_id", sessionID).Msg("tree rollback failed")
		}
	}
	h.pushMu.Unlock()
	if err != nil {
		h.setStatus(ctx, msg.ID(), StatusFailed)
		return "", err
	}
	return msg.ID(), nil
}

// PushTree replaces the session's whole tree.
func (h *Hub) PushTree(ctx context.Context, sessionID string, root *component.Component) (string, error) {
	return h.Push(ctx, sessionID, protocol.ComponentUpdate{Component: root}, 0)
}

// Broadcast sends msg to every authenticated session directly.
func (h *Hub) Broadcast(ctx context.Context, msg protocol.Message) map[string]error {
	h.metrics.Message("out", string(msg.Kind()))
	return h.sessions.Broadcast(ctx, msg, true)
}

// DeliveryStatus reports what happened to a pushed message.
func (h *Hub) DeliveryStatus(ctx context.Context, msgID string) (string, error) {
	if h.msglog == nil {
		return "", nil
	}
	return h.msglog.DeliveryStatus(ctx, msgID)
}

// deliver is the queue processor.
func (h *Hub) deliver(ctx context.Context, item queue.Item) error {
	s, ok := h.sessions.Get(item.Target)
	if !ok {
		return fmt.Errorf("%w: %s", errTargetGone, item.Target)
	}
	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := s.Send(wctx, item.Message); err != nil {
		return err
	}
	h.metrics.Message("out", string(item.Message.Kind()))
	return nil
}

func (h *Hub) trackDelivery(ev queue.Event) {
	status := ""
	switch ev.Type {
	case queue.EventProcessed:
		status = StatusDelivered
	case queue.EventRetry:
		status = StatusRetrying
	case queue.EventFailed:
		status = StatusFailed
		h.logger.Warn().Err(ev.Err).Str("message_id", ev.Item.ID).Str("session_id", ev.Item.Target).Msg("delivery failed")
	}
	if status != "" {
		h.setStatus(context.Background(), ev.Item.ID, status)
	}
}

func (h *Hub) setStatus(ctx context.Context, msgID, status string) {
	if h.msglog == nil {
		return
	}
	if err := h.msglog.SetDeliveryStatus(ctx, msgID, status, h.cfg.DedupeTTL); err != nil {
		h.logger.Warn().Err(err).Str("message_id", msgID).Msg("delivery status update failed")
	}
}

func (h *Hub) reply(ctx context.Context, s *session.Session, kind protocol.Kind, payload any) {
	msg, err := protocol.Build(kind, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", string(kind)).Msg("build reply failed")
		return
	}
	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := s.Send(wctx, msg); err != nil {
		h.logger.Debug().Err(err).Str("session_id", s.ID()).Str("kind", string(kind)).Msg("reply failed")
		return
	}
	h.metrics.Message("out", string(kind))
}

func (h *Hub) replyError(ctx context.Context, s *session.Session, requestID string, err error) {
	payload := errorPayload(err, requestID)
	h.metrics.ProtocolError(string(payload.Code))
	h.logger.Debug().
		Str("session_id", s.ID()).
		Str("request_id", requestID).
		Str("code", string(payload.Code)).
		Msg(payload.Message)
	h.reply(ctx, s, protocol.KindError, payload)
}
