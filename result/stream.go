package result

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Subscription is the consumer side of a cold stream. Records arrive on C in
// source order; C is closed exactly once when the stream terminates, after
// which Err reports how it ended.
type Subscription[E any] struct {
	c      chan E
	done   chan struct{}
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

// C returns the record channel
func (s *Subscription[E]) C() <-chan E {
	return s.c
}

// Done is closed after the stream terminated and its cursor was released
func (s *Subscription[E]) Done() <-chan struct{} {
	return s.done
}

// Err returns nil after normal completion, an error wrapping ErrCancelled after
// cancellation, or the source failure. It returns nil while the stream is live.
func (s *Subscription[E]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops delivery and waits for the cursor to be released. It is
// idempotent and a no-op after termination.
func (s *Subscription[E]) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

// Wait blocks until termination and returns Err
func (s *Subscription[E]) Wait() error {
	<-s.done
	return s.err
}

// Flow is a cold, single-subscriber stream over one cursor
type Flow[E any] struct {
	cur     *Cursor[E]
	claimed atomic.Bool
	limit   int
}

// NewFlow wraps cur. The flow owns the cursor from here on.
func NewFlow[E any](cur *Cursor[E]) *Flow[E] {
	return &Flow[E]{cur: cur}
}

// Subscribe starts production on a new goroutine. The channel is unbuffered, so
// the producer waits for the consumer to accept each record. Cancelling ctx
// or calling Cancel ends the stream with ErrCancelled.
func (f *Flow[E]) Subscribe(ctx context.Context) (*Subscription[E], error) {
	if !f.claimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConsumed
	}
	return produce(ctx, f.cur, f.limit), nil
}

// Maybe is a single-value optional stream: at most the first record, then
// completion. An empty result is a normal completion with no value.
type Maybe[E any] struct {
	flow Flow[E]
}

// NewMaybe wraps cur. The maybe owns the cursor from here on.
func NewMaybe[E any](cur *Cursor[E]) *Maybe[E] {
	return &Maybe[E]{flow: Flow[E]{cur: cur, limit: 1}}
}

// Subscribe starts production; see Flow.Subscribe
func (m *Maybe[E]) Subscribe(ctx context.Context) (*Subscription[E], error) {
	return m.flow.Subscribe(ctx)
}

// Get subscribes and waits for the value. ok is false when the result was empty.
func (m *Maybe[E]) Get(ctx context.Context) (value E, ok bool, err error) {
	sub, err := m.Subscribe(ctx)
	if err != nil {
		return value, false, err
	}
	value, ok = <-sub.C()
	if err := sub.Wait(); err != nil {
		var zero E
		return zero, false, err
	}
	return value, ok, nil
}

func produce[E any](ctx context.Context, cur *Cursor[E], limit int) *Subscription[E] {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription[E]{
		c:      make(chan E),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(sub.done)
		defer cancel()
		sub.err = pump(ctx, cur, sub.c, limit)
		close(sub.c)
	}()

	return sub
}

// pump moves records from cur to out until exhaustion, failure, limit, or
// cancellation, and always closes cur before returning.
func pump[E any](ctx context.Context, cur *Cursor[E], out chan<- E, limit int) (err error) {
	defer closeInto(cur, &err)

	sent := 0
	for limit <= 0 || sent < limit {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ErrCancelled, ctxErr)
		}

		record, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		select {
		case out <- record:
			sent++
		case <-ctx.Done():
			return errors.Join(ErrCancelled, ctx.Err())
		}
	}
	return nil
}
