package result

import (
	"errors"
	"sync"
)

// ErrMulticastTerminated is returned when subscribing to a finished multicast
var ErrMulticastTerminated = errors.New("multicast terminated")

// Multicast is a hot stream. Every subscriber first receives the current
// value (if any) and then each later value. Values conflate per subscriber:
// a slow subscriber skips straight to the latest value instead of queueing.
// When the last subscriber leaves, the idle hook runs once.
type Multicast[T any] struct {
	mu         sync.Mutex
	subs       map[uint64]*HotSubscription[T]
	nextID     uint64
	current    T
	hasCurrent bool
	terminated bool
	err        error

	onIdle   func()
	idleOnce sync.Once
}

// NewMulticast creates a multicast. onIdle may be nil.
func NewMulticast[T any](onIdle func()) *Multicast[T] {
	return &Multicast[T]{
		subs:   make(map[uint64]*HotSubscription[T]),
		onIdle: onIdle,
	}
}

// HotSubscription is one consumer of a Multicast
type HotSubscription[T any] struct {
	id   uint64
	m    *Multicast[T]
	c    chan T
	done chan struct{}
	err  error
}

// C returns the value channel. It is closed when the subscription ends.
func (s *HotSubscription[T]) C() <-chan T {
	return s.c
}

// Done is closed when the subscription ends
func (s *HotSubscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error of the multicast, ErrCancelled after Cancel,
// or nil while live or after normal completion.
func (s *HotSubscription[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel unsubscribes. Idempotent.
func (s *HotSubscription[T]) Cancel() {
	s.m.remove(s)
}

// Subscribe registers a new subscriber and primes it with the current value
func (m *Multicast[T]) Subscribe() (*HotSubscription[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		if m.err != nil {
			return nil, m.err
		}
		return nil, ErrMulticastTerminated
	}

	m.nextID++
	sub := &HotSubscription[T]{
		id:   m.nextID,
		m:    m,
		c:    make(chan T, 1),
		done: make(chan struct{}),
	}
	if m.hasCurrent {
		sub.c <- m.current
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Publish replaces the current value and offers it to every subscriber without blocking
func (m *Multicast[T]) Publish(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		return
	}
	m.current = v
	m.hasCurrent = true

	for _, sub := range m.subs {
		offerLatest(sub.c, v)
	}
}

// offerLatest places v in a capacity-1 channel, replacing a value the consumer has
// not taken yet. Callers hold the multicast lock, so they are the only sender.
func offerLatest[T any](c chan T, v T) {
	for {
		select {
		case c <- v:
			return
		default:
		}
		select {
		case <-c:
		default:
		}
	}
}

// Fail terminates every subscription with err
func (m *Multicast[T]) Fail(err error) {
	m.terminate(err)
}

// Complete terminates every subscription normally
func (m *Multicast[T]) Complete() {
	m.terminate(nil)
}

func (m *Multicast[T]) terminate(err error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.err = err
	subs := m.subs
	m.subs = make(map[uint64]*HotSubscription[T])
	for _, sub := range subs {
		sub.err = err
		close(sub.c)
		close(sub.done)
	}
	m.mu.Unlock()
}

// Current returns the latest published value
func (m *Multicast[T]) Current() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.hasCurrent
}

// Subscribers returns the number of live subscribers
func (m *Multicast[T]) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Multicast[T]) remove(sub *HotSubscription[T]) {
	m.mu.Lock()
	if _, ok := m.subs[sub.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.id)
	sub.err = ErrCancelled
	close(sub.c)
	close(sub.done)
	idle := len(m.subs) == 0 && !m.terminated
	m.mu.Unlock()

	if idle && m.onIdle != nil {
		m.idleOnce.Do(m.onIdle)
	}
}
