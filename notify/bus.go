// Package notify implements the commit bus: a publish/subscribe hub that
// carries "these types changed" events from the write path to live queries.
//
// Dispatch policy: every subscription owns a bounded queue and a dispatcher
// goroutine. Publish never blocks; when a queue is full the oldest queued
// event is dropped to make room. Events from one publishing goroutine reach a
// given subscriber in publication order.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livequery/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber queue length.
// Subscribers that can't keep up lose their oldest pending events.
const DefaultQueueSize = 16

// Handler receives commit events on the subscription's dispatcher goroutine
type Handler func(CommitEvent)

// Options configures a Bus
type Options struct {
	QueueSize int
	SourceID  string // Default SourceID stamped on events that carry none
}

// Stats is a point-in-time view of bus activity
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Bus is a thread-safe commit notification hub
type Bus struct {
	opts          Options
	subscriptions *xsync.MapOf[uint64, *Subscription]
	nextID        atomic.Uint64
	seq           atomic.Uint64
	dropped       atomic.Uint64
	closed        atomic.Bool
	wg            sync.WaitGroup

	// lifecycleMu orders Subscribe against Shutdown
	lifecycleMu sync.RWMutex
}

// NewBus creates a commit bus
func NewBus(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Bus{
		opts:          opts,
		subscriptions: xsync.NewMapOf[uint64, *Subscription](),
	}
}

// Publish delivers ev to every matching subscriber without blocking.
// Events published after Shutdown are discarded.
func (b *Bus) Publish(ev CommitEvent) {
	if b.closed.Load() {
		log.Debug().Str("types", ev.AffectedTypes.String()).Msg("Commit bus closed, dropping event")
		return
	}

	ev.AffectedTypes = NewTypeSet(ev.AffectedTypes...)
	ev.Seq = b.seq.Add(1)
	if ev.SourceID == "" {
		ev.SourceID = b.opts.SourceID
	}
	if ev.CommitTS == 0 {
		ev.CommitTS = time.Now().UnixMilli()
	}
	telemetry.BusEventsPublishedTotal.Inc()

	b.subscriptions.Range(func(_ uint64, sub *Subscription) bool {
		if sub.filter.matches(ev) {
			sub.enqueue(ev)
		}
		return true
	})
}

// Subscribe registers handler for every future event matching filter.
// Returns nil once the bus has been shut down.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	b.lifecycleMu.RLock()
	defer b.lifecycleMu.RUnlock()

	if b.closed.Load() {
		return nil
	}

	sub := &Subscription{
		id:      b.nextID.Add(1),
		bus:     b,
		filter:  Filter{Types: NewTypeSet(filter.Types...)},
		handler: handler,
		queue:   make(chan CommitEvent, b.opts.QueueSize),
		quit:    make(chan struct{}),
	}

	b.subscriptions.Store(sub.id, sub)
	telemetry.BusSubscribers.Inc()

	b.wg.Add(1)
	go sub.dispatchLoop()

	return sub
}

// Stats returns current counters
func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: b.subscriptions.Size(),
		Published:   b.seq.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	return b.subscriptions.Size()
}

// Shutdown unsubscribes everyone and waits for dispatchers to exit. Idempotent.
func (b *Bus) Shutdown() {
	b.lifecycleMu.Lock()
	swapped := b.closed.CompareAndSwap(false, true)
	b.lifecycleMu.Unlock()
	if !swapped {
		return
	}

	b.subscriptions.Range(func(_ uint64, sub *Subscription) bool {
		sub.Unsubscribe()
		return true
	})
	b.wg.Wait()

	log.Debug().Uint64("published", b.seq.Load()).Msg("Commit bus shut down")
}

// Subscription ties a handler to the bus
type Subscription struct {
	id      uint64
	bus     *Bus
	filter  Filter
	handler Handler
	queue   chan CommitEvent
	quit    chan struct{}

	// deliverMu is held for the duration of every handler call;
	// Unsubscribe takes it to wait out an in-flight delivery.
	deliverMu sync.Mutex
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// enqueue adds ev, evicting the oldest queued event when full
func (s *Subscription) enqueue(ev CommitEvent) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}

		select {
		case <-s.queue:
			s.dropped.Add(1)
			s.bus.dropped.Add(1)
			telemetry.BusEventsDroppedTotal.Inc()
		default:
		}
	}
}

func (s *Subscription) dispatchLoop() {
	defer s.bus.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.queue:
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev CommitEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Uint64("subscription", s.id).
				Uint64("seq", ev.Seq).
				Msg("Commit handler panicked")
		}
	}()
	s.handler(ev)
}

// Unsubscribe stops delivery. When it returns the handler is not running and
// will never be called again. Idempotent. Must not be called from inside the
// subscription's own handler.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.bus.subscriptions.Delete(s.id)
	telemetry.BusSubscribers.Dec()

	// Wait for an in-flight delivery to finish
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	close(s.quit)
}

// Cancelled reports whether Unsubscribe has been called
func (s *Subscription) Cancelled() bool {
	return s.closed.Load()
}

// Dropped returns how many events this subscription lost to queue overflow
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
