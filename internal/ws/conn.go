package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/mup/internal/protocol"
)

// CloseError reports the close frame that ended a connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("ws: connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// CloseCode extracts the close code from err. Errors that are not a close
// frame count as an abnormal closure (1006).
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// Conn is a WebSocket connection carrying one envelope per text frame.
// Writes are serialised; reads must come from a single goroutine.
type Conn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	closeOnce sync.Once
}

func NewConn(c *websocket.Conn) *Conn {
	return &Conn{conn: c}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage writes one text frame, honouring the deadline on ctx.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send marshals msg and writes it.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(ctx, data)
}

// Close sends a close frame with code and reason and closes the socket.
// Only the first call has any effect. It does not wait for a write in
// progress: closing the socket fails that write instead.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens client connections.
type Dialer struct {
	Dialer *websocket.Dialer
}

func (d Dialer) Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return NewConn(conn), nil
}
