package router

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/mup/internal/protocol"
)

// Logger logs every dispatched request with its outcome and duration.
func Logger(logger zerolog.Logger) Middleware {
	return func(c *Context, next Next) (any, error) {
		start := time.Now()
		data, err := next()

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("client_id", c.ClientID).
			Str("action", c.Request.Action).
			Str("route", c.Route).
			Str("message_id", c.Request.MessageID).
			Dur("duration", time.Since(start)).
			Msg("route_dispatch")
		return data, err
	}
}

// AuthFunc decides whether the request may proceed. It may block on I/O.
type AuthFunc func(c *Context) (bool, error)

// Auth rejects requests that fn refuses. An error from fn is passed through.
func Auth(fn AuthFunc) Middleware {
	return func(c *Context, next Next) (any, error) {
		ok, err := fn(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, protocol.NewError(protocol.CodeAuthenticationFailed, "request not authorized", nil)
		}
		return next()
	}
}

// RateLimit allows at most limit requests per client id in each fixed window.
func RateLimit(window time.Duration, limit int) Middleware {
	return newRateLimiter(window, limit, time.Now).middleware
}

type rateWindow struct {
	start time.Time
	count int
}

type rateLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*rateWindow
}

func newRateLimiter(window time.Duration, limit int, now func() time.Time) *rateLimiter {
	return &rateLimiter{window: window, limit: limit, now: now, clients: make(map[string]*rateWindow)}
}

func (l *rateLimiter) allow(clientID string) (remaining int, ok bool) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.clients[clientID]
	if !found || now.Sub(w.start) >= l.window {
		if len(l.clients) > 4096 {
			l.evictLocked(now)
		}
		w = &rateWindow{start: now}
		l.clients[clientID] = w
	}
	if w.count >= l.limit {
		return 0, false
	}
	w.count++
	return l.limit - w.count, true
}

func (l *rateLimiter) evictLocked(now time.Time) {
	for id, w := range l.clients {
		if now.Sub(w.start) >= l.window {
			delete(l.clients, id)
		}
	}
}

func (l *rateLimiter) middleware(c *Context, next Next) (any, error) {
	remaining, ok := l.allow(c.ClientID)
	c.Metadata["x-ratelimit-limit"] = strconv.Itoa(l.limit)
	c.Metadata["x-ratelimit-remaining"] = strconv.Itoa(remaining)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeRateLimited, "client %s exceeded %d requests per %s", c.ClientID, l.limit, l.window)
	}
	return next()
}

// ValidateFunc reports whether the request is acceptable. Returning false or
// any violation rejects it.
type ValidateFunc func(c *Context) (bool, []string)

func Validator(fn ValidateFunc) Middleware {
	return func(c *Context, next Next) (any, error) {
		ok, violations := fn(c)
		if !ok || len(violations) > 0 {
			msg := "request validation failed"
			if len(violations) > 0 {
				msg = strings.Join(violations, "; ")
			}
			e := protocol.NewError(protocol.CodeValidationFailed, msg, nil)
			for _, v := range violations {
				e.Violations = append(e.Violations, protocol.Violation{Path: c.Request.Action, Code: protocol.ViolationInvalid, Message: v})
			}
			return nil, e
		}
		return next()
	}
}

type CORSOptions struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       time.Duration
}

// CORS annotates the response metadata with CORS headers for the request
// origin found in Request.Metadata["origin"]. It performs no I/O.
func CORS(opts CORSOptions) Middleware {
	methods := strings.Join(opts.AllowMethods, ", ")
	headers := strings.Join(opts.AllowHeaders, ", ")
	return func(c *Context, next Next) (any, error) {
		origin := c.Request.Metadata["origin"]
		if allowed := allowOrigin(origin, opts.AllowOrigins); allowed != "" {
			c.Metadata["access-control-allow-origin"] = allowed
		}
		if methods != "" {
			c.Metadata["access-control-allow-methods"] = methods
		}
		if headers != "" {
			c.Metadata["access-control-allow-headers"] = headers
		}
		if opts.MaxAge > 0 {
			c.Metadata["access-control-max-age"] = strconv.Itoa(int(opts.MaxAge.Seconds()))
		}
		return next()
	}
}

// allowOrigin returns the value for the allow-origin header. An empty list
// allows every origin.
func allowOrigin(origin string, allowed []string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if origin != "" && a == origin {
			return origin
		}
	}
	return ""
}
