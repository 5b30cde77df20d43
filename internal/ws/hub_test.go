package ws_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/mup/internal/client"
	"github.com/HsiangNianian/mup/internal/component"
	"github.com/HsiangNianian/mup/internal/protocol"
	"github.com/HsiangNianian/mup/internal/queue"
	"github.com/HsiangNianian/mup/internal/router"
	"github.com/HsiangNianian/mup/internal/session"
	"github.com/HsiangNianian/mup/internal/store"
	"github.com/HsiangNianian/mup/internal/testutil/testlog"
	"github.com/HsiangNianian/mup/internal/ws"
)

func counterTree(count string) *component.Component {
	text := component.New("count", "text").WithProp("content", component.String(count))
	button := component.New("btn", "button").WithProp("label", component.String("+1")).On("click", "/counter/increment")
	return component.New("root", "card", text, button).WithProp("title", component.String("Counter"))
}

type testServer struct {
	hub    *ws.Hub
	srv    *httptest.Server
	msglog *store.MemoryStore
	calls  atomic.Int32
}

func newTestServer(t *testing.T, cfg ws.Config, scfg session.Config, sopts ...session.Option) *testServer {
	t.Helper()
	logger := testlog.Start(t)
	ts := &testServer{msglog: store.NewMemoryStore()}

	r := router.New(router.WithLogger(logger))
	require.NoError(t, r.Handle("/counter/increment", func(c *router.Context) (any, error) {
		return protocol.ComponentUpdate{
			Component: component.New("count", "text").WithProp("content", component.String("1")),
			Partial:   true,
		}, nil
	}))
	gen := ws.GeneratorFunc(func(_ context.Context, _ *session.Session, req protocol.UIRequest) (*component.Component, error) {
		ts.calls.Add(1)
		return counterTree("0"), nil
	})

	sopts = append([]session.Option{session.WithLogger(logger)}, sopts...)
	sessions := session.NewManager(scfg, sopts...)
	ts.hub = ws.NewHub(cfg, sessions,
		ws.WithRouter(r),
		ws.WithGenerator(gen),
		ws.WithMessageLog(ts.msglog),
		ws.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	ts.hub.Start(ctx)
	ts.srv = httptest.NewServer(ts.hub)
	t.Cleanup(func() {
		ts.hub.Stop(context.Background())
		cancel()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeRaw(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readRaw(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Parse(data)
	require.NoError(t, err)
	return msg
}

func decodeError(t *testing.T, msg protocol.Message) protocol.ErrorPayload {
	t.Helper()
	require.Equal(t, protocol.KindError, msg.Kind())
	var p protocol.ErrorPayload
	require.NoError(t, msg.Decode(&p))
	return p
}

type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (in *inbox) add(m protocol.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, m)
}

func (in *inbox) find(fn func(protocol.Message) bool) (protocol.Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.msgs {
		if fn(m) {
			return m, true
		}
	}
	return protocol.Message{}, false
}

func TestClientServerRoundTrip(t *testing.T) {
	ts := newTestServer(t, ws.Config{}, session.DefaultConfig())

	cfg := client.DefaultConfig()
	cfg.URL = ts.url()
	cfg.AutoReconnect = false
	c := client.New(cfg, client.WithDialer(client.WebSocketDialer{}), client.WithLogger(testlog.Start(t)))
	t.Cleanup(func() { _ = c.Disconnect() })
	var in inbox
	c.OnMessage(in.add)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, client.StateConnected, c.State())
	require.NotEmpty(t, c.SessionID())
	assert.Contains(t, c.ServerCapabilities(), protocol.CapabilityPartialUpdates)

	s, ok := ts.hub.Sessions().Get(c.SessionID())
	require.True(t, ok)
	assert.True(t, s.Authenticated())

	res, err := c.Request(ctx, protocol.UIRequest{Intent: "counter"})
	require.NoError(t, err)
	require.NotNil(t, res.Component)
	assert.Equal(t, 3, component.Count(res.Component))
	_, ok = component.Find(c.Tree().Root(), "btn")
	assert.True(t, ok)
	_, ok = component.Find(s.Tree().Root(), "btn")
	assert.True(t, ok, "server keeps its own copy of the tree")

	_, err = c.TriggerEvent(ctx, "btn", "click", nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		node, ok := component.Find(c.Tree().Root(), "count")
		if !ok {
			return false
		}
		v, ok := node.Properties.Get("content")
		return ok && v.Str() == "1"
	}, 2*time.Second, 10*time.Millisecond)

	var update protocol.Message
	require.Eventually(t, func() bool {
		update, ok = in.find(func(m protocol.Message) bool { return m.Kind() == protocol.KindComponentUpdate })
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		status, err := ts.hub.DeliveryStatus(ctx, update.ID())
		return err == nil && status == ws.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	ghost, err := c.Send(ctx, protocol.KindEventTrigger, protocol.EventTrigger{ComponentID: "ghost", EventType: "click"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := in.find(func(m protocol.Message) bool {
			if m.Kind() != protocol.KindError {
				return false
			}
			var p protocol.ErrorPayload
			return m.Decode(&p) == nil && p.RequestID == ghost.ID() && p.Code == protocol.CodeValidationFailed
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())
	assert.Eventually(t, func() bool { return ts.hub.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFramesCloseConnection(t *testing.T) {
	ts := newTestServer(t, ws.Config{MalformedLimit: 3}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	}
	errorsSeen := 0
	var closeErr error
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		msg, err := protocol.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.CodeMalformedMessage, decodeError(t, msg).Code)
		errorsSeen++
	}
	assert.Equal(t, 3, errorsSeen)
	assert.True(t, websocket.IsCloseError(closeErr, protocol.ClosePolicyViolation), "got %v", closeErr)
	assert.Eventually(t, func() bool { return ts.hub.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestValidMessageResetsMalformedCount(t *testing.T) {
	ts := newTestServer(t, ws.Config{MalformedLimit: 2}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	decodeError(t, readRaw(t, conn))
	ping := protocol.MustBuild(protocol.KindPing, protocol.Ping{Seq: 7})
	writeRaw(t, conn, ping)
	pong := readRaw(t, conn)
	require.Equal(t, protocol.KindPong, pong.Kind())
	var p protocol.Pong
	require.NoError(t, pong.Decode(&p))
	assert.Equal(t, ping.ID(), p.PingID)
	assert.Equal(t, uint64(7), p.Seq)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	decodeError(t, readRaw(t, conn))
	assert.Equal(t, 1, ts.hub.Sessions().Count(), "connection survives a non-consecutive second bad frame")
}

func TestRequireAuth(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.RequireAuth = true
	ts := newTestServer(t, ws.Config{}, scfg,
		session.WithAuthenticator(session.TokenAuthenticator{Token: "s3cret"}))

	conn := dialRaw(t, ts.url())
	req := protocol.MustBuild(protocol.KindUIRequest, protocol.UIRequest{Intent: "counter"})
	writeRaw(t, conn, req)
	p := decodeError(t, readRaw(t, conn))
	assert.Equal(t, protocol.CodeAuthenticationRequired, p.Code)
	assert.Equal(t, req.ID(), p.RequestID)
	assert.Zero(t, ts.calls.Load())

	writeRaw(t, conn, protocol.MustBuild(protocol.KindHandshakeRequest, protocol.HandshakeRequest{
		Version:      protocol.Version,
		Capabilities: protocol.DefaultCapabilities,
		Credentials:  &protocol.Credentials{Token: "wrong"},
	}))
	res := readRaw(t, conn)
	require.Equal(t, protocol.KindHandshakeResponse, res.Kind())
	var hs protocol.HandshakeResponse
	require.NoError(t, res.Decode(&hs))
	assert.False(t, hs.Accepted)
	assert.NotEmpty(t, hs.Reason)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthFailed), "got %v", err)
}

func TestHandshakeAcceptedWithToken(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.RequireAuth = true
	ts := newTestServer(t, ws.Config{}, scfg,
		session.WithAuthenticator(session.TokenAuthenticator{Token: "s3cret"}))

	cfg := client.DefaultConfig()
	cfg.URL = ts.url()
	cfg.AutoReconnect = false
	cfg.Credentials = &protocol.Credentials{Token: "s3cret"}
	cfg.Capabilities = []string{protocol.CapabilityUIRequest, "component:card", "component:text", "component:button"}
	c := client.New(cfg, client.WithLogger(testlog.Start(t)))
	t.Cleanup(func() { _ = c.Disconnect() })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{protocol.CapabilityUIRequest, "component:button", "component:card", "component:text"}, c.ServerCapabilities())

	s, ok := ts.hub.Sessions().Get(c.SessionID())
	require.True(t, ok)
	assert.Equal(t, "token", s.Meta(session.MetaSubject))
	assert.False(t, s.Allows("image"))
}

func TestUnsupportedVersionRejected(t *testing.T) {
	ts := newTestServer(t, ws.Config{}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	writeRaw(t, conn, protocol.MustBuild(protocol.KindHandshakeRequest, protocol.HandshakeRequest{
		Version:      "2.0.0",
		Capabilities: protocol.DefaultCapabilities,
	}))
	var hs protocol.HandshakeResponse
	require.NoError(t, readRaw(t, conn).Decode(&hs))
	assert.False(t, hs.Accepted)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.ClosePolicyViolation), "got %v", err)
}

func TestDuplicateRequestsIgnored(t *testing.T) {
	ts := newTestServer(t, ws.Config{}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	req := protocol.MustBuild(protocol.KindUIRequest, protocol.UIRequest{Intent: "counter"}, protocol.WithID("dup-1"))
	writeRaw(t, conn, req)
	writeRaw(t, conn, req)
	ping := protocol.MustBuild(protocol.KindPing, protocol.Ping{Seq: 1})
	writeRaw(t, conn, ping)

	var kinds []protocol.Kind
	for {
		msg := readRaw(t, conn)
		kinds = append(kinds, msg.Kind())
		if msg.Kind() == protocol.KindPong {
			break
		}
	}
	assert.Equal(t, []protocol.Kind{protocol.KindUIResponse, protocol.KindPong}, kinds)
	assert.Equal(t, int32(1), ts.calls.Load())

	seen, err := ts.msglog.IsProcessed(context.Background(), "dup-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestUnroutedActionReportsRouteNotFound(t *testing.T) {
	ts := newTestServer(t, ws.Config{}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	req := protocol.MustBuild(protocol.KindUIRequest, protocol.UIRequest{Intent: "x", Action: "/nowhere"})
	writeRaw(t, conn, req)
	msg := readRaw(t, conn)
	require.Equal(t, protocol.KindUIResponse, msg.Kind())
	var res protocol.UIResponse
	require.NoError(t, msg.Decode(&res))
	assert.Equal(t, req.ID(), res.RequestID)
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.CodeRouteNotFound, res.Error.Code)
	assert.Nil(t, res.Component)
}

func TestServerOnlyKindRejected(t *testing.T) {
	ts := newTestServer(t, ws.Config{}, session.DefaultConfig())
	conn := dialRaw(t, ts.url())

	up := protocol.MustBuild(protocol.KindComponentUpdate, protocol.ComponentUpdate{Component: component.New("a", "text")})
	writeRaw(t, conn, up)
	p := decodeError(t, readRaw(t, conn))
	assert.Equal(t, protocol.CodeValidationFailed, p.Code)
	assert.Equal(t, up.ID(), p.RequestID)
}

func TestAdmissionLimit(t *testing.T) {
	ts := newTestServer(t, ws.Config{AdmissionRate: 0.001, AdmissionBurst: 1}, session.DefaultConfig())
	dialRaw(t, ts.url())

	_, resp, err := websocket.DefaultDialer.Dial(ts.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestOriginCheck(t *testing.T) {
	ts := newTestServer(t, ws.Config{AllowedOrigins: []string{"https://app.example"}}, session.DefaultConfig())

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(ts.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(), header)
	require.NoError(t, err)
	_ = conn.Close()
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recordingTransport) Send(_ context.Context, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) Close(int, string) error { return nil }

func newOfflineHub(t *testing.T, qcfg queue.Config) (*ws.Hub, *store.MemoryStore) {
	t.Helper()
	msglog := store.NewMemoryStore()
	sessions := session.NewManager(session.DefaultConfig(), session.WithLogger(testlog.Start(t)))
	return ws.NewHub(ws.Config{Queue: qcfg}, sessions, ws.WithMessageLog(msglog), ws.WithLogger(testlog.Start(t))), msglog
}

func TestPushRollsBackWhenQueueIsFull(t *testing.T) {
	hub, _ := newOfflineHub(t, queue.Config{MaxSize: 1})
	ctx := context.Background()
	s := hub.Sessions().Create(ctx, &recordingTransport{}, session.RequestInfo{})

	first, err := hub.PushTree(ctx, s.ID(), counterTree("0"))
	require.NoError(t, err)
	status, err := hub.DeliveryStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, ws.StatusQueued, status)

	_, err = hub.PushTree(ctx, s.ID(), component.New("other", "text"))
	require.ErrorIs(t, err, protocol.ErrQueueFull)
	assert.Equal(t, "root", s.Tree().Root().ID)

	_, err = hub.PushTree(ctx, "missing", counterTree("0"))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestPushRejectsInvalidPartial(t *testing.T) {
	hub, _ := newOfflineHub(t, queue.Config{})
	ctx := context.Background()
	s := hub.Sessions().Create(ctx, &recordingTransport{}, session.RequestInfo{})
	_, err := hub.PushTree(ctx, s.ID(), counterTree("0"))
	require.NoError(t, err)

	_, err = hub.Push(ctx, s.ID(), protocol.ComponentUpdate{Component: component.New("orphan", "text"), Partial: true}, 0)
	assert.Equal(t, protocol.CodeValidationFailed, protocol.CodeOf(err))
	assert.Equal(t, 1, hub.Queue().Len())
}

func TestPushRequiresNegotiatedCapability(t *testing.T) {
	hub, _ := newOfflineHub(t, queue.Config{})
	ctx := context.Background()
	s := hub.Sessions().Create(ctx, &recordingTransport{}, session.RequestInfo{})
	_, err := hub.Sessions().Authenticate(ctx, s, nil, []string{protocol.CapabilityComponentUpdate, "component:card", "component:text", "component:button"})
	require.NoError(t, err)

	_, err = hub.PushTree(ctx, s.ID(), counterTree("0"))
	require.NoError(t, err)
	_, err = hub.Push(ctx, s.ID(), protocol.ComponentUpdate{Component: component.New("count", "text"), Partial: true}, 0)
	assert.Equal(t, protocol.CodeValidationFailed, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), protocol.CapabilityPartialUpdates)
}

func TestDeliveryToVanishedSessionFails(t *testing.T) {
	hub, msglog := newOfflineHub(t, queue.Config{MaxRetries: 1, BaseDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &recordingTransport{}
	s := hub.Sessions().Create(ctx, tr, session.RequestInfo{})

	id, err := hub.PushTree(ctx, s.ID(), counterTree("0"))
	require.NoError(t, err)
	require.NoError(t, hub.Sessions().Destroy(ctx, s.ID(), "test"))

	hub.Start(ctx)
	defer hub.Stop(ctx)
	assert.Eventually(t, func() bool {
		status, err := msglog.DeliveryStatus(ctx, id)
		return err == nil && status == ws.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.sent)
}

func TestConcurrentPushesKeepTreeInStepWithQueue(t *testing.T) {
	hub, _ := newOfflineHub(t, queue.Config{MaxSize: 8})
	ctx := context.Background()
	s := hub.Sessions().Create(ctx, &recordingTransport{}, session.RequestInfo{})
	require.NoError(t, s.Tree().Replace(component.New("root", "card")))

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("n-%d", i)
			_, err := hub.Push(ctx, s.ID(), protocol.ComponentUpdate{
				Component: component.New(id, "text"),
				Partial:   true,
				ParentID:  "root",
			}, 0)
			if err != nil {
				assert.ErrorIs(t, err, protocol.ErrQueueFull)
				return
			}
			mu.Lock()
			accepted = append(accepted, id)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, accepted, 8)
	var children []string
	for _, c := range s.Tree().Root().Children {
		children = append(children, c.ID)
	}
	assert.ElementsMatch(t, accepted, children)
	assert.Equal(t, 8, hub.Queue().Len())
}

func TestSweepNotBlockedByStalledReader(t *testing.T) {
	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	scfg := session.DefaultConfig()
	scfg.TTL = time.Minute
	scfg.SweepInterval = time.Hour
	ts := newTestServer(t, ws.Config{
		WriteTimeout: 200 * time.Millisecond,
		Queue:        queue.Config{MaxSize: 100, MaxRetries: 1, ProcessTimeout: time.Second},
	}, scfg, session.WithClock(clock))

	dialRaw(t, ts.url()) // never reads
	require.Eventually(t, func() bool { return ts.hub.Sessions().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s := ts.hub.Sessions().List()[0]

	ctx := context.Background()
	blob := strings.Repeat("x", 512<<10)
	for i := 0; i < 60; i++ {
		_, err := ts.hub.PushTree(ctx, s.ID(), component.New("blob", "text").WithProp("content", component.String(blob)))
		require.NoError(t, err)
	}
	time.Sleep(100 * time.Millisecond)

	offset.Store(int64(time.Hour))
	swept := make(chan []string, 1)
	go func() { swept <- ts.hub.Sessions().Sweep(ctx) }()
	select {
	case ids := <-swept:
		assert.Equal(t, []string{s.ID()}, ids)
	case <-time.After(3 * time.Second):
		t.Fatal("sweep blocked on a session whose peer stopped reading")
	}

	stopped := make(chan struct{})
	go func() {
		ts.hub.Stop(ctx)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("hub stop blocked on a stalled delivery")
	}
}
