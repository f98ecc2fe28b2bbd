// Package result exposes query results as lazy, single-pass, closeable cursors
// and adapts them into eager materializations and push-style streams.
//
// A Cursor is not safe for concurrent use: exactly one goroutine drives it.
// A debug guard reports ErrConcurrentUse when that contract is broken.
package result

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/maxpert/livequery/telemetry"
	"github.com/rs/zerolog/log"
)

// State is the position of a cursor in its lifecycle
type State int32

const (
	StateNotStarted State = iota
	StateIterating
	StateExhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateIterating:
		return "iterating"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Rows is the underlying record source driven by a Cursor
type Rows[E any] interface {
	// Next returns the next record; ok is false once the source is exhausted
	Next() (record E, ok bool, err error)
	// Close releases the source
	Close() error
}

// OpenFunc executes the query and returns its row source. It runs on the
// first call to Cursor.Next, never at construction.
type OpenFunc[E any] func(ctx context.Context) (Rows[E], error)

// Cursor is a lazy, single-pass, closeable producer of records
type Cursor[E any] struct {
	ctx   context.Context
	open  OpenFunc[E]
	rows  Rows[E]
	state atomic.Int32
	busy  atomic.Bool

	closeOnce sync.Once
	closeErr  error
	onClose   []func()
}

// NewCursor creates a cursor that opens its source with ctx on first Next.
// Cancelling ctx closes the cursor before its next production step.
func NewCursor[E any](ctx context.Context, open OpenFunc[E]) *Cursor[E] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Cursor[E]{ctx: ctx, open: open}
}

// FromSlice returns a cursor over an in-memory snapshot
func FromSlice[E any](items []E) *Cursor[E] {
	return NewCursor(context.Background(), func(context.Context) (Rows[E], error) {
		return &sliceRows[E]{items: items}, nil
	})
}

// State returns the current lifecycle state
func (c *Cursor[E]) State() State {
	return State(c.state.Load())
}

// OnClose registers fn to run when the cursor releases its resources.
// If the cursor is already closed fn runs immediately.
func (c *Cursor[E]) OnClose(fn func()) {
	if c.State() == StateClosed {
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
}

// Next advances the cursor. ok is false at end of results.
func (c *Cursor[E]) Next() (record E, ok bool, err error) {
	if !c.busy.CompareAndSwap(false, true) {
		return record, false, ErrConcurrentUse
	}
	defer c.busy.Store(false)

	switch c.State() {
	case StateClosed:
		return record, false, ErrClosed
	case StateExhausted:
		return record, false, nil
	}

	if err := c.ctx.Err(); err != nil {
		telemetry.CursorCancelledTotal.Inc()
		c.Close()
		return record, false, errors.Join(ErrCancelled, err)
	}

	if c.State() == StateNotStarted {
		rows, err := c.open(c.ctx)
		if err != nil {
			return record, false, c.fail(err)
		}
		c.rows = rows
		telemetry.CursorsOpen.Inc()
		c.state.Store(int32(StateIterating))
	}

	record, ok, err = c.rows.Next()
	if err != nil {
		return record, false, c.fail(err)
	}
	if !ok {
		c.state.Store(int32(StateExhausted))
	}
	return record, ok, nil
}

func (c *Cursor[E]) fail(err error) error {
	err = sourceFailure(err)
	if IsCancelled(err) {
		telemetry.CursorCancelledTotal.Inc()
	} else {
		telemetry.CursorSourceErrorsTotal.Inc()
		log.Debug().Err(err).Msg("Cursor source failed")
	}
	c.Close()
	return err
}

// Close releases the underlying source exactly once. It is safe from any state;
// repeated calls return the result of the first.
func (c *Cursor[E]) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.rows != nil {
			c.closeErr = c.rows.Close()
			c.rows = nil
			telemetry.CursorsOpen.Dec()
		}
		for _, fn := range c.onClose {
			fn()
		}
		c.onClose = nil
	})
	return c.closeErr
}

// All returns an iterator over the remaining records. The cursor is closed
// when the loop finishes, breaks, or hits an error; the error is yielded once
// as the final pair.
func (c *Cursor[E]) All() iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		defer c.Close()
		for {
			record, ok, err := c.Next()
			if err != nil {
				yield(record, err)
				return
			}
			if !ok || !yield(record, nil) {
				return
			}
		}
	}
}

type sliceRows[E any] struct {
	items []E
	pos   int
}

func (r *sliceRows[E]) Next() (E, bool, error) {
	if r.pos >= len(r.items) {
		var zero E
		return zero, false, nil
	}
	v := r.items[r.pos]
	r.pos++
	return v, true, nil
}

func (r *sliceRows[E]) Close() error {
	return nil
}
