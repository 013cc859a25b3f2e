// Package notify provides the in-process publish/subscribe hub that components
// use for change notifications (queue size changes, instance health changes,
// balancer decisions, shared-state changes).
//
// Delivery is asynchronous and ordered per hub. Subscribers run on the hub's
// dispatch goroutine and must be idempotent and quick; a panicking subscriber
// is logged and skipped, never fatal to the hub.
package notify

import (
	"sync"
	"sync/atomic"

	"castellan/util/goroutine"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-hub pending notification buffer
const DefaultBufferSize = 1024

// Options configures a Hub
type Options struct {
	// Name identifies the hub in logs
	Name string
	// BufferSize is the number of pending notifications held before Publish
	// blocks or drops. Default: DefaultBufferSize
	BufferSize int
	// Blocking makes Publish wait for buffer space instead of dropping
	Blocking bool
	// OnDrop is called when a notification is dropped in non-blocking mode
	OnDrop func()
}

// Hub fans notifications of type T out to subscribers
type Hub[T any] struct {
	opts   Options
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers map[uint64]func(T)
	nextID      uint64

	ch        chan T
	closed    atomic.Bool
	closeOnce sync.Once
	closeMu   sync.RWMutex
	done      chan struct{}
	wg        sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates and starts a hub
func NewHub[T any](opts Options, logger *zap.SugaredLogger) *Hub[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Name == "" {
		opts.Name = "notify"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Hub[T]{
		opts:        opts,
		logger:      logger,
		subscribers: make(map[uint64]func(T)),
		ch:          make(chan T, opts.BufferSize),
		done:        make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Subscribe registers fn and returns a function that removes it
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
}

// Publish queues a notification for delivery. It reports false when the
// notification was dropped or the hub is closed.
func (h *Hub[T]) Publish(v T) bool {
	h.closeMu.RLock()
	defer h.closeMu.RUnlock()
	if h.closed.Load() {
		return false
	}

	if h.opts.Blocking {
		select {
		case h.ch <- v:
			h.published.Add(1)
			return true
		case <-h.done:
			return false
		}
	}

	select {
	case h.ch <- v:
		h.published.Add(1)
		return true
	default:
		h.dropped.Add(1)
		if h.opts.OnDrop != nil {
			h.opts.OnDrop()
		}
		return false
	}
}

// SubscriberCount returns the number of active subscribers
func (h *Hub[T]) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats returns published and dropped counts
func (h *Hub[T]) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// Close stops accepting notifications, delivers what is buffered and waits
// for the dispatch goroutine. Safe to call more than once.
func (h *Hub[T]) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		// Wait for in-flight Publish calls before closing the channel
		h.closeMu.Lock()
		close(h.ch)
		h.closeMu.Unlock()
	})
	h.wg.Wait()
}

func (h *Hub[T]) run() {
	defer h.wg.Done()
	for v := range h.ch {
		h.deliver(v)
	}
}

func (h *Hub[T]) deliver(v T) {
	h.mu.RLock()
	subs := make([]func(T), 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		h.call(fn, v)
	}
}

func (h *Hub[T]) call(fn func(T), v T) {
	defer goroutine.Recover(h.opts.Name+"-subscriber", h.logger)
	fn(v)
}
