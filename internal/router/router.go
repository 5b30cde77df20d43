// Package router dispatches inbound actions to handlers through a middleware
// chain. Routes are matched in registration order.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
)

var errNextTwice = errors.New("router: next called more than once")

// Request is one inbound action. Metadata carries transport facts such as
// the peer origin.
type Request struct {
	Action    string
	Method    string
	Body      any
	MessageID string
	Metadata  map[string]string
}

type ErrorInfo struct {
	Code    protocol.Code `json:"code"`
	Message string        `json:"message"`
	Cause   string        `json:"cause,omitempty"`
}

type Response struct {
	OK       bool              `json:"ok"`
	Data     any               `json:"data,omitempty"`
	Error    *ErrorInfo        `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Err returns the response error as a protocol error, or nil.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &protocol.Error{Code: r.Error.Code, Message: r.Error.Message}
}

// Context is built per dispatch and handed through the chain.
type Context struct {
	ClientID string
	Request  Request
	Route    string
	Params   map[string]string
	Query    url.Values
	Metadata map[string]string
	State    map[string]any

	ctx context.Context
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) Param(name string) string { return c.Params[name] }

type HandlerFunc func(c *Context) (any, error)

// Next continues the chain. Middleware that does not call it short-circuits.
type Next func() (any, error)

type Middleware func(c *Context, next Next) (any, error)

type Option func(*Router)

// WithStrict disables case folding and trailing-slash normalisation.
func WithStrict() Option {
	return func(r *Router) { r.strict = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

type route struct {
	pattern    string
	method     string
	segments   []segment
	trailing   bool
	handler    HandlerFunc
	middleware []Middleware
}

type Router struct {
	strict  bool
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	routes     []*route
	middleware []Middleware
}

func New(opts ...Option) *Router {
	r := &Router{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use appends global middleware. It applies to routes registered before and
// after the call.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Handle registers h for pattern with any method.
func (r *Router) Handle(pattern string, h HandlerFunc, mw ...Middleware) error {
	return r.HandleMethod("", pattern, h, mw...)
}

// HandleMethod registers h for pattern when the request method matches.
func (r *Router) HandleMethod(method, pattern string, h HandlerFunc, mw ...Middleware) error {
	if h == nil {
		return fmt.Errorf("router: nil handler for %q", pattern)
	}
	segs, err := compile(pattern)
	if err != nil {
		return err
	}
	rt := &route{
		pattern:    pattern,
		method:     method,
		segments:   segs,
		trailing:   hasTrailingSlash(pattern),
		handler:    h,
		middleware: append([]Middleware(nil), mw...),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
	return nil
}

// Routes lists registered patterns in match order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.pattern
	}
	return out
}

// Dispatch runs the first matching route. It never panics and never returns
// an error: failures come back as a Response with an error code.
func (r *Router) Dispatch(ctx context.Context, clientID string, req Request) Response {
	path, rawQuery, _ := strings.Cut(req.Action, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}

	r.mu.RLock()
	var matched *route
	var params map[string]string
	for _, rt := range r.routes {
		if rt.method != "" && !strings.EqualFold(rt.method, req.Method) {
			continue
		}
		if p, ok := r.match(rt, path); ok {
			matched, params = rt, p
			break
		}
	}
	global := r.middleware
	r.mu.RUnlock()

	if matched == nil {
		r.metrics.RouterRequest("", "not_found", 0)
		return Response{Error: &ErrorInfo{
			Code:    protocol.CodeRouteNotFound,
			Message: fmt.Sprintf("no route for action %q", req.Action),
		}}
	}

	c := &Context{
		ClientID: clientID,
		Request:  req,
		Route:    matched.pattern,
		Params:   params,
		Query:    query,
		Metadata: make(map[string]string),
		State:    make(map[string]any),
		ctx:      ctx,
	}
	chain := make([]Middleware, 0, len(global)+len(matched.middleware))
	chain = append(chain, global...)
	chain = append(chain, matched.middleware...)

	start := time.Now()
	data, err := run(c, chain, matched.handler)
	if err != nil {
		r.metrics.RouterRequest(matched.pattern, "error", time.Since(start))
		info := &ErrorInfo{Code: protocol.CodeHandlerError, Message: err.Error()}
		if code := protocol.CodeOf(err); code != protocol.CodeHandlerError {
			info.Cause = string(code)
		}
		return Response{Error: info, Metadata: c.Metadata}
	}
	r.metrics.RouterRequest(matched.pattern, "ok", time.Since(start))
	return Response{OK: true, Data: data, Metadata: c.Metadata}
}

// run composes the chain around h and recovers panics from any link.
func run(c *Context, chain []Middleware, h HandlerFunc) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			data = nil
			err = fmt.Errorf("router: panic in %s: %v", c.Route, rec)
		}
	}()

	var step func(i int) Next
	step = func(i int) Next {
		called := false
		return func() (any, error) {
			if called {
				return nil, errNextTwice
			}
			called = true
			if i == len(chain) {
				return h(c)
			}
			return chain[i](c, step(i+1))
		}
	}
	return step(0)()
}
