// Package queue implements the outbound delivery queue: a priority buffer
// drained by a single processing loop with per-item deadlines and linear
// retry backoff.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/mup/internal/events"
	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
)

var (
	ErrQueueFull     = fmt.Errorf("queue: %w", protocol.ErrQueueFull)
	ErrDuplicateItem = errors.New("queue: item id already queued")
	ErrEmptyID       = errors.New("queue: item id is empty")
)

// Item is one pending delivery. ID equals the message id.
type Item struct {
	ID         string           `json:"id"`
	Message    protocol.Message `json:"message"`
	Target     string           `json:"target,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Priority   int              `json:"priority"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`

	seq uint64
}

type Config struct {
	MaxSize        int
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration // zero means uncapped
	ProcessTimeout time.Duration // zero means no deadline
}

func DefaultConfig() Config {
	return Config{
		MaxSize:        1000,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		ProcessTimeout: 30 * time.Second,
	}
}

// RetryDelay is the backoff before redelivering an item that has failed
// retryCount times: BaseDelay * retryCount, capped by MaxDelay.
func (c Config) RetryDelay(retryCount int) time.Duration {
	d := c.BaseDelay * time.Duration(retryCount)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Processor delivers one item. The context is cancelled when the item's
// deadline passes, when it is dequeued by id, or when the queue stops.
type Processor func(ctx context.Context, item Item) error

type EventType string

const (
	EventProcessed EventType = "processed"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
)

type Event struct {
	Type  EventType
	Item  Item
	Err   error
	Delay time.Duration
}

type Option func(*Queue)

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithName labels logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

type flight struct {
	item    Item
	abandon chan struct{}
}

type scheduled struct {
	item  Item
	timer *time.Timer
}

type Queue struct {
	name    string
	cfg     Config
	process Processor
	logger  zerolog.Logger
	metrics *observability.Metrics
	events  *events.Emitter[Event]

	mu        sync.Mutex
	items     itemHeap
	queued    map[string]*entry
	inflight  map[string]*flight
	scheduled map[string]*scheduled
	seq       uint64
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}
}

func New(cfg Config, process Processor, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	q := &Queue{
		name:      "default",
		cfg:       cfg,
		process:   process,
		logger:    zerolog.Nop(),
		queued:    make(map[string]*entry),
		inflight:  make(map[string]*flight),
		scheduled: make(map[string]*scheduled),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("queue", q.name).Logger()
	q.events = events.NewEmitter[Event](q.logger)
	return q
}

func (q *Queue) Config() Config { return q.cfg }

// Subscribe registers fn for processed, retry and failed events.
func (q *Queue) Subscribe(fn func(Event)) (unsubscribe func()) {
	return q.events.Subscribe(fn)
}

// Enqueue wraps msg in an item with the configured retry budget.
func (q *Queue) Enqueue(msg protocol.Message, priority int) (Item, error) {
	return q.EnqueueItem(Item{
		ID:         msg.ID(),
		Message:    msg,
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
	})
}

// EnqueueItem adds a prepared item. An empty ID is taken from the message and
// a zero EnqueuedAt is stamped now. The item keeps its MaxRetries.
func (q *Queue) EnqueueItem(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = item.Message.ID()
	}
	if item.ID == "" {
		return Item{}, ErrEmptyID
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.lenLocked() >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.metrics.QueueOutcome(q.name, "rejected")
		return Item{}, ErrQueueFull
	}
	if q.knownLocked(item.ID) {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}
	q.pushLocked(item)
	depth := q.lenLocked()
	q.mu.Unlock()

	q.metrics.QueueDepth(q.name, depth)
	q.signal()
	return item, nil
}

// Dequeue removes and returns the next queued item without processing it.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.queued, e.item.ID)
	depth := q.lenLocked()
	q.mu.Unlock()
	q.metrics.QueueDepth(q.name, depth)
	return e.item, true
}

// DequeueByID removes id wherever it is: queued, waiting for a retry, or in
// flight. An in-flight item is abandoned: its deadline timer stops, its
// processor context is cancelled and its result is ignored. No event fires.
func (q *Queue) DequeueByID(id string) bool {
	q.mu.Lock()
	found := false
	if e, ok := q.queued[id]; ok {
		heap.Remove(&q.items, e.index)
		delete(q.queued, id)
		found = true
	} else if s, ok := q.scheduled[id]; ok {
		s.timer.Stop()
		delete(q.scheduled, id)
		found = true
	} else if f, ok := q.inflight[id]; ok {
		close(f.abandon)
		delete(q.inflight, id)
		found = true
	}
	depth := q.lenLocked()
	q.mu.Unlock()
	if found {
		q.metrics.QueueDepth(q.name, depth)
	}
	return found
}

// Peek returns the next item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return Item{}, false
	}
	return q.items[0].item, true
}

// Len counts queued, in-flight and retry-scheduled items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Start launches the processing loop. Calling it while running is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
	q.logger.Debug().Msg("queue started")
}

// Stop halts the loop and waits for it to exit. Pending retry timers are
// cancelled and their items go back into the queue; an in-flight item is
// returned too. Items are kept for the next Start. The loop also stops this
// way when the context given to Start is cancelled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer q.halted(done)
	for {
		if ctx.Err() != nil {
			return
		}
		f, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.deliver(ctx, f)
	}
}

// halted parks scheduled retries back in the queue and marks the loop
// stopped, so a later Start launches a fresh one.
func (q *Queue) halted(done chan struct{}) {
	q.mu.Lock()
	for id, s := range q.scheduled {
		s.timer.Stop()
		delete(q.scheduled, id)
		q.pushLocked(s.item)
	}
	if q.done == done {
		if q.cancel != nil {
			q.cancel()
		}
		q.running = false
		q.cancel = nil
	}
	q.mu.Unlock()
	close(done)
	q.logger.Debug().Msg("queue stopped")
}

// next moves the head of the heap into the in-flight set.
func (q *Queue) next() (*flight, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.queued, e.item.ID)
	f := &flight{item: e.item, abandon: make(chan struct{})}
	q.inflight[e.item.ID] = f
	return f, true
}

func (q *Queue) deliver(ctx context.Context, f *flight) {
	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if q.cfg.ProcessTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, q.cfg.ProcessTimeout)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	result := make(chan error, 1)
	start := time.Now()
	go func() { result <- q.call(pctx, f.item) }()

	var deadline <-chan time.Time
	if q.cfg.ProcessTimeout > 0 {
		timer := time.NewTimer(q.cfg.ProcessTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var err error
	select {
	case err = <-result:
	case <-deadline:
		err = fmt.Errorf("%w: item %s exceeded %s", protocol.ErrTimeout, f.item.ID, q.cfg.ProcessTimeout)
	case <-f.abandon:
		q.logger.Debug().Str("item_id", f.item.ID).Msg("in-flight item dequeued")
		return
	case <-ctx.Done():
		q.mu.Lock()
		if _, ok := q.inflight[f.item.ID]; ok {
			delete(q.inflight, f.item.ID)
			q.pushLocked(f.item)
		}
		q.mu.Unlock()
		return
	}
	q.metrics.QueueDuration(q.name, time.Since(start))
	q.settle(f, err)
}

// call runs the processor, turning a panic into an error.
func (q *Queue) call(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: processor panic: %v", r)
		}
	}()
	return q.process(ctx, item)
}

func (q *Queue) settle(f *flight, err error) {
	item := f.item
	q.mu.Lock()
	if _, ok := q.inflight[item.ID]; !ok {
		// dequeued by id while the result was on its way
		q.mu.Unlock()
		return
	}
	delete(q.inflight, item.ID)

	if err == nil {
		depth := q.lenLocked()
		q.mu.Unlock()
		q.metrics.QueueDepth(q.name, depth)
		q.metrics.QueueOutcome(q.name, string(EventProcessed))
		q.events.Emit(Event{Type: EventProcessed, Item: item})
		return
	}

	item.RetryCount++
	if item.RetryCount < item.MaxRetries {
		delay := q.cfg.RetryDelay(item.RetryCount)
		id := item.ID
		q.scheduled[id] = &scheduled{item: item, timer: time.AfterFunc(delay, func() { q.requeue(id) })}
		q.mu.Unlock()
		q.logger.Warn().Err(err).Str("item_id", id).Int("retry_count", item.RetryCount).Dur("delay", delay).Msg("delivery failed, retry scheduled")
		q.metrics.QueueOutcome(q.name, string(EventRetry))
		q.events.Emit(Event{Type: EventRetry, Item: item, Err: err, Delay: delay})
		return
	}

	depth := q.lenLocked()
	q.mu.Unlock()
	q.logger.Error().Err(err).Str("item_id", item.ID).Int("retry_count", item.RetryCount).Msg("delivery failed, giving up")
	q.metrics.QueueDepth(q.name, depth)
	q.metrics.QueueOutcome(q.name, string(EventFailed))
	q.events.Emit(Event{Type: EventFailed, Item: item, Err: err})
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	s, ok := q.scheduled[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.scheduled, id)
	q.pushLocked(s.item)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) pushLocked(item Item) {
	q.seq++
	item.seq = q.seq
	e := &entry{item: item}
	heap.Push(&q.items, e)
	q.queued[item.ID] = e
}

func (q *Queue) knownLocked(id string) bool {
	if _, ok := q.queued[id]; ok {
		return true
	}
	if _, ok := q.inflight[id]; ok {
		return true
	}
	_, ok := q.scheduled[id]
	return ok
}

func (q *Queue) lenLocked() int {
	return q.items.Len() + len(q.inflight) + len(q.scheduled)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
