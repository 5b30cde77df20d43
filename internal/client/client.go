// Package client implements the connecting side of the protocol: a
// connection state machine with handshake, heartbeat, exponential
// reconnect, request correlation and a local copy of the pushed tree.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/events"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/ws"
)

var (
	ErrDisconnected     = errors.New("client: disconnected")
	ErrConnectionClosed = errors.New("client: connection closed")
)

// Conn is an open transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	WS ws.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, err := d.WS.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Config struct {
	URL          string
	Header       http.Header
	ClientID     string
	Capabilities []string
	Credentials  *protocol.Credentials

	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnects; 0 means no limit.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectGrowth      float64
	MaxReconnectDelay    time.Duration

	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	MaxDepth          int
}

func DefaultConfig() Config {
	caps := append([]string(nil), protocol.DefaultCapabilities...)
	caps = append(caps, protocol.ComponentCapabilities(component.NewBuiltinRegistry().Names())...)
	return Config{
		Capabilities:         caps,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectGrowth:      2,
		MaxReconnectDelay:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       30 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxDepth:             component.DefaultMaxDepth,
	}
}

// BackoffDelay is ReconnectDelay * ReconnectGrowth^attempt, capped by
// MaxReconnectDelay when set. attempt counts from 0.
func (c Config) BackoffDelay(attempt int) time.Duration {
	d := float64(c.ReconnectDelay) * math.Pow(c.ReconnectGrowth, float64(attempt))
	if c.MaxReconnectDelay > 0 && d > float64(c.MaxReconnectDelay) {
		return c.MaxReconnectDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

type reply struct {
	resp protocol.UIResponse
	err  error
}

type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	stateEvents *events.Emitter[StateChange]
	messages    *events.Emitter[protocol.Message]
	tree        *component.Tree
	seq         atomic.Uint64

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       Conn
	attempt    int
	ready      bool
	timer      *time.Timer
	stopBeat   chan struct{}
	sessionID  string
	serverCaps []string
	handshake  chan error
	pending    map[string]chan reply
	outbox     []protocol.Message
}

func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Capabilities == nil {
		cfg.Capabilities = def.Capabilities
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectGrowth <= 1 {
		cfg.ReconnectGrowth = def.ReconnectGrowth
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	c := &Client{
		cfg:     cfg,
		dialer:  WebSocketDialer{},
		logger:  zerolog.Nop(),
		pending: make(map[string]chan reply),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stateEvents = events.NewEmitter[StateChange](c.logger)
	c.messages = events.NewEmitter[protocol.Message](c.logger)
	c.tree = component.NewTree(component.Options{MaxDepth: cfg.MaxDepth})
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the id the server assigned at the last accepted handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) ServerCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.serverCaps...)
}

// Tree is the client's copy of the component tree the server pushed.
func (c *Client) Tree() *component.Tree { return c.tree }

func (c *Client) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return c.stateEvents.Subscribe(fn)
}

// OnMessage observes every parsed inbound message once the client has
// handled it, so tree updates are already applied.
func (c *Client) OnMessage(fn func(protocol.Message)) (unsubscribe func()) {
	return c.messages.Subscribe(fn)
}

// transitionLocked moves to the next state. c.mu must be held; the
// returned change is emitted by the caller after unlocking.
func (c *Client) transitionLocked(to State, err error) (StateChange, error) {
	from := c.state
	if !canTransition(from, to) {
		return StateChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state = to
	return StateChange{From: from, To: to, Attempt: c.attempt, Err: err}, nil
}

func (c *Client) emit(changes ...StateChange) {
	for _, ch := range changes {
		if ch.From == ch.To {
			continue
		}
		c.logger.Debug().
			Str("from", ch.From.String()).
			Str("to", ch.To.String()).
			Int("attempt", ch.Attempt).
			Dur("delay", ch.Delay).
			Msg("connection state changed")
		c.stateEvents.Emit(ch)
	}
}

// Connect dials the server and waits for the handshake to be accepted.
// Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	ch, err := c.transitionLocked(StateConnecting, nil)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	token := c.gen
	c.attempt = 0
	hs := make(chan error, 1)
	c.handshake = hs
	c.mu.Unlock()
	c.emit(ch)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.cfg.URL, c.cfg.Header)
	cancel()
	if err != nil {
		c.mu.Lock()
		var changes []StateChange
		if c.gen == token && c.state == StateConnecting {
			if ch, terr := c.transitionLocked(StateError, err); terr == nil {
				changes = append(changes, ch)
			}
			c.handshake = nil
		}
		c.mu.Unlock()
		c.emit(changes...)
		return fmt.Errorf("client: connect %s: %w", c.cfg.URL, err)
	}
	if err := c.opened(token, conn); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-hs:
		return err
	case <-timer.C:
		return protocol.Errorf(protocol.CodeTimeout, "handshake not answered within %s", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// opened installs conn as the live transport for generation token, starts
// the read loop and heartbeat, and sends the handshake. Buffered messages
// wait for the handshake response.
func (c *Client) opened(token uint64, conn Conn) error {
	c.mu.Lock()
	if c.gen != token || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close(protocol.CloseNormal, "superseded")
		return ErrDisconnected
	}
	c.conn = conn
	c.attempt = 0
	c.ready = false
	ch, _ := c.transitionLocked(StateConnected, nil)
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()
	c.emit(ch)

	go c.readLoop(token, conn)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(token, conn, stop)
	}

	hello, err := protocol.Build(protocol.KindHandshakeRequest, protocol.HandshakeRequest{
		ClientID:     c.cfg.ClientID,
		Version:      protocol.Version,
		Capabilities: c.cfg.Capabilities,
		Credentials:  c.cfg.Credentials,
	})
	if err != nil {
		return err
	}
	if err := c.write(conn, hello); err != nil {
		c.drop(token, err)
		return fmt.Errorf("client: send handshake: %w", err)
	}
	return nil
}

// flush writes buffered messages in order, then marks the connection ready
// for direct sends.
func (c *Client) flush(token uint64, conn Conn) {
	for {
		c.mu.Lock()
		if c.gen != token {
			c.mu.Unlock()
			return
		}
		if len(c.outbox) == 0 {
			c.ready = true
			c.mu.Unlock()
			return
		}
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for i, msg := range batch {
			if err := c.write(conn, msg); err != nil {
				c.mu.Lock()
				c.outbox = append(batch[i:len(batch):len(batch)], c.outbox...)
				c.mu.Unlock()
				c.drop(token, err)
				return
			}
		}
	}
}

func (c *Client) write(conn Conn, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	return conn.WriteMessage(ctx, data)
}

// send writes msg now when connected and flushed, otherwise buffers it.
func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	if c.state != StateConnected || !c.ready {
		c.outbox = append(c.outbox, msg)
		c.mu.Unlock()
		return nil
	}
	conn, token := c.conn, c.gen
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.drop(token, err)
		return fmt.Errorf("client: send %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Client) readLoop(token uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.drop(token, err)
			return
		}
		c.handle(token, conn, data)
	}
}

func (c *Client) heartbeat(token uint64, conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping, err := protocol.Build(protocol.KindPing, protocol.Ping{Seq: c.seq.Add(1)})
			if err != nil {
				continue
			}
			if err := c.write(conn, ping); err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat failed")
				c.drop(token, err)
				return
			}
		}
	}
}

// drop handles the loss of the connection of generation token: a normal or
// auth close ends in disconnected, anything else schedules a reconnect
// while budget remains.
func (c *Client) drop(token uint64, cause error) {
	c.mu.Lock()
	if c.gen != token || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.releaseLocked()

	code := ws.CloseCode(cause)
	var changes []StateChange
	if code != protocol.CloseNormal && code != protocol.CloseAuthFailed && c.canRetryLocked() {
		changes = append(changes, c.scheduleReconnectLocked(cause))
	} else {
		ch, _ := c.transitionLocked(StateDisconnected, cause)
		changes = append(changes, ch)
		c.rejectAllLocked(fmt.Errorf("%w: %v", ErrConnectionClosed, cause))
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(protocol.CloseGoingAway, "connection lost")
	}
	c.logger.Info().Err(cause).Int("close_code", code).Msg("connection lost")
	c.emit(changes...)
}

// releaseLocked forgets the live connection and stops its heartbeat.
func (c *Client) releaseLocked() {
	c.gen++
	c.conn = nil
	c.ready = false
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *Client) canRetryLocked() bool {
	if !c.cfg.AutoReconnect {
		return false
	}
	return c.cfg.MaxReconnectAttempts <= 0 || c.attempt < c.cfg.MaxReconnectAttempts
}

func (c *Client) scheduleReconnectLocked(cause error) StateChange {
	attempt := c.attempt
	delay := c.cfg.BackoffDelay(attempt)
	ch, _ := c.transitionLocked(StateReconnecting, cause)
	ch.Attempt = attempt
	ch.Delay = delay
	c.attempt++
	token := c.gen
	c.timer = time.AfterFunc(delay, func() { c.reconnect(token) })
	return ch
}

func (c *Client) reconnect(token uint64) {
	c.mu.Lock()
	if c.gen != token || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ch, _ := c.transitionLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.emit(ch)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, c.cfg.Header)
	cancel()
	if err != nil {
		c.dialFailed(token, err)
		return
	}
	if err := c.opened(token, conn); err != nil {
		c.logger.Debug().Err(err).Msg("reconnect superseded")
	}
}

func (c *Client) dialFailed(token uint64, err error) {
	c.mu.Lock()
	if c.gen != token || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	var changes []StateChange
	ch, _ := c.transitionLocked(StateError, err)
	changes = append(changes, ch)
	if c.canRetryLocked() {
		changes = append(changes, c.scheduleReconnectLocked(err))
	} else {
		ch, _ := c.transitionLocked(StateDisconnected, err)
		changes = append(changes, ch)
		c.rejectAllLocked(fmt.Errorf("%w: reconnect budget exhausted: %v", ErrConnectionClosed, err))
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("reconnect failed")
	c.emit(changes...)
}

// Disconnect closes the connection normally, cancels any pending reconnect
// and rejects every outstanding request.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.releaseLocked()
	var changes []StateChange
	if c.state != StateDisconnected {
		ch, _ := c.transitionLocked(StateDisconnected, nil)
		changes = append(changes, ch)
	}
	c.rejectAllLocked(ErrDisconnected)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(protocol.CloseNormal, "client disconnect")
	}
	c.emit(changes...)
	return err
}

func (c *Client) rejectAllLocked(err error) {
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
	c.outbox = nil
	if c.handshake != nil {
		c.handshake <- err
		c.handshake = nil
	}
}

func (c *Client) resolve(id string, r reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	for i, m := range c.outbox {
		if m.ID() == id {
			c.outbox = append(c.outbox[:i:i], c.outbox[i+1:]...)
			return
		}
	}
}

// Request sends a ui-request and waits for the matching ui-response. A
// response carrying an error payload is returned together with that error.
func (c *Client) Request(ctx context.Context, req protocol.UIRequest) (protocol.UIResponse, error) {
	msg, err := protocol.Build(protocol.KindUIRequest, req)
	if err != nil {
		return protocol.UIResponse{}, err
	}
	done := make(chan reply, 1)
	c.mu.Lock()
	c.pending[msg.ID()] = done
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.forget(msg.ID())
		return protocol.UIResponse{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return protocol.UIResponse{}, r.err
		}
		if r.resp.Error != nil {
			return r.resp, r.resp.Error.Err()
		}
		return r.resp, nil
	case <-timer.C:
		c.forget(msg.ID())
		return protocol.UIResponse{}, protocol.Errorf(protocol.CodeTimeout, "request %s timed out after %s", msg.ID(), c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.forget(msg.ID())
		return protocol.UIResponse{}, ctx.Err()
	}
}

// Send builds and sends a fire-and-forget message, buffering it while the
// connection is not ready.
func (c *Client) Send(_ context.Context, kind protocol.Kind, payload any) (protocol.Message, error) {
	msg, err := protocol.Build(kind, payload)
	if err != nil {
		return protocol.Message{}, err
	}
	return msg, c.send(msg)
}

func (c *Client) TriggerEvent(ctx context.Context, componentID, eventType string, data map[string]any) (protocol.Message, error) {
	if _, ok := component.Find(c.tree.Root(), componentID); !ok {
		return protocol.Message{}, fmt.Errorf("%w: %s", component.ErrNotFound, componentID)
	}
	return c.Send(ctx, protocol.KindEventTrigger, protocol.EventTrigger{
		ComponentID: componentID,
		EventType:   eventType,
		EventData:   data,
	})
}

func (c *Client) handle(token uint64, conn Conn, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("discarding unparseable message")
		return
	}
	defer c.messages.Emit(msg)

	switch msg.Kind() {
	case protocol.KindHandshakeResponse:
		var res protocol.HandshakeResponse
		if err := msg.Decode(&res); err != nil {
			c.logger.Warn().Err(err).Msg("bad handshake response")
			return
		}
		c.handshakeDone(token, res)
	case protocol.KindUIResponse:
		var res protocol.UIResponse
		if err := msg.Decode(&res); err != nil {
			c.logger.Warn().Err(err).Msg("bad ui response")
			return
		}
		if res.Component != nil {
			if err := c.tree.Replace(res.Component); err != nil {
				c.logger.Warn().Err(err).Str("request_id", res.RequestID).Msg("rejected ui response tree")
			}
		}
		c.resolve(res.RequestID, reply{resp: res})
	case protocol.KindError:
		var p protocol.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		if p.RequestID != "" && c.resolve(p.RequestID, reply{err: p.Err()}) {
			return
		}
		c.logger.Warn().Str("code", string(p.Code)).Str("request_id", p.RequestID).Msg(p.Message)
	case protocol.KindComponentUpdate:
		var up protocol.ComponentUpdate
		if err := msg.Decode(&up); err != nil {
			c.logger.Warn().Err(err).Msg("bad component update")
			return
		}
		if err := c.tree.Apply(up.Component, up.Partial, up.ParentID); err != nil {
			c.logger.Warn().Err(err).Msg("rejected component update")
		}
	case protocol.KindPing:
		var p protocol.Ping
		_ = msg.Decode(&p)
		pong, err := protocol.Build(protocol.KindPong, protocol.Pong{PingID: msg.ID(), Seq: p.Seq})
		if err == nil {
			if err := c.write(conn, pong); err != nil {
				c.drop(token, err)
			}
		}
	}
}

func (c *Client) handshakeDone(token uint64, res protocol.HandshakeResponse) {
	c.mu.Lock()
	if c.gen != token {
		c.mu.Unlock()
		return
	}
	hs := c.handshake
	c.handshake = nil
	if res.Accepted {
		c.sessionID = res.SessionID
		c.serverCaps = res.ServerCapabilities
		conn := c.conn
		c.mu.Unlock()
		c.logger.Info().Str("session_id", res.SessionID).Msg("handshake accepted")
		if conn != nil {
			c.flush(token, conn)
		}
		if hs != nil {
			hs <- nil
		}
		return
	}
	c.mu.Unlock()

	err := protocol.NewError(protocol.CodeAuthenticationFailed, "handshake rejected: "+res.Reason, nil)
	c.logger.Warn().Str("reason", res.Reason).Msg("handshake rejected")
	if hs != nil {
		hs <- err
	}
	c.drop(token, &ws.CloseError{Code: protocol.CloseAuthFailed, Reason: res.Reason})
}
