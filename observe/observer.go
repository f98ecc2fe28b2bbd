// Package observe turns a query into a self-observing result: it executes the
// query, publishes the snapshot, and re-executes whenever the commit bus
// reports a change to one of the types the query depends on.
package observe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/result"
	"github.com/maxpert/livequery/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrBusClosed is returned when observing on a bus that was shut down
var ErrBusClosed = errors.New("commit bus closed")

// Query is a reusable query description. Its relevant types are read once,
// at observer construction.
type Query interface {
	RelevantTypes() notify.TypeSet
}

// Executor runs a query and returns a fresh cursor. It is called again with
// the same query for every re-execution.
type Executor[E any] interface {
	Execute(ctx context.Context, q Query) *result.Cursor[E]
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc[E any] func(ctx context.Context, q Query) *result.Cursor[E]

func (f ExecutorFunc[E]) Execute(ctx context.Context, q Query) *result.Cursor[E] {
	return f(ctx, q)
}

// Bus is the subscribe side of the commit bus
type Bus interface {
	Subscribe(filter notify.Filter, handler notify.Handler) *notify.Subscription
}

// State of the observer's loop
type State int32

const (
	StateIdle State = iota
	StateExecuting
	StateEmitting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateEmitting:
		return "emitting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is one materialized result. Version starts at 1 and increases by
// one per emission. Trigger is the commit that caused the re-execution; nil
// for the initial execution and for Refresh without a pending commit.
type Snapshot[E any] struct {
	Version uint64
	Items   []E
	Trigger *notify.CommitEvent
}

// Stats is a point-in-time view of an observer
type Stats struct {
	State       string `json:"state"`
	Version     uint64 `json:"version"`
	Executions  uint64 `json:"executions"`
	Received    uint64 `json:"received"`
	Coalesced   uint64 `json:"coalesced"`
	Subscribers int    `json:"subscribers"`
}

// Observer is a self-observing result. All state transitions happen on one
// loop goroutine, so at most one execution is in flight. Relevant commits that
// arrive during an execution collapse into a single follow-up execution.
type Observer[E any] struct {
	query    Query
	exec     Executor[E]
	relevant notify.TypeSet

	ctx    context.Context
	cancel context.CancelFunc
	sub    *notify.Subscription
	out    *result.Multicast[Snapshot[E]]

	state   atomic.Int32
	pending chan struct{}
	refresh chan *future.Promise[uint64]
	done    chan struct{}

	triggerMu sync.Mutex
	trigger   *notify.CommitEvent

	version    atomic.Uint64
	executions atomic.Uint64
	received   atomic.Uint64
	coalesced  atomic.Uint64

	releaseOnce sync.Once
	closeOnce   sync.Once
}

// New subscribes to bus for the query's relevant types and starts the loop.
// The initial snapshot is produced right away, without waiting for a
// subscriber. A query with an empty relevance set overlaps no commit, so it
// is never subscribed and only re-executes on Refresh.
func New[E any](ctx context.Context, bus Bus, exec Executor[E], q Query) (*Observer[E], error) {
	if bus == nil {
		bus = notify.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &Observer[E]{
		query:    q,
		exec:     exec,
		relevant: notify.NewTypeSet(q.RelevantTypes()...),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(chan struct{}, 1),
		refresh:  make(chan *future.Promise[uint64]),
		done:     make(chan struct{}),
	}
	o.out = result.NewMulticast[Snapshot[E]](o.Close)

	// An empty notify.Filter matches everything
	if len(o.relevant) > 0 {
		o.sub = bus.Subscribe(notify.Filter{Types: o.relevant}, o.onCommit)
		if o.sub == nil {
			cancel()
			return nil, ErrBusClosed
		}
	}

	telemetry.ObserversActive.Inc()
	log.Debug().Str("relevant", o.relevant.String()).Msg("Observer started")

	go o.run()
	return o, nil
}

// Subscribe returns a hot subscription. The current snapshot, if one exists,
// is delivered first. Cancelling the last subscription closes the observer.
func (o *Observer[E]) Subscribe() (*result.HotSubscription[Snapshot[E]], error) {
	return o.out.Subscribe()
}

// Current returns the latest snapshot
func (o *Observer[E]) Current() (Snapshot[E], bool) {
	return o.out.Current()
}

// Refresh forces a re-execution and returns without waiting for the loop.
// The future resolves to the version of the emitted snapshot, or to an error
// if the observer closed first.
func (o *Observer[E]) Refresh() *future.Future[uint64] {
	p := future.NewPromise[uint64]()
	go func() {
		select {
		case o.refresh <- p:
		case <-o.done:
			p.Set(0, result.ErrCancelled)
		}
	}()
	return p.Future()
}

// State returns the loop state
func (o *Observer[E]) State() State {
	return State(o.state.Load())
}

// RelevantTypes returns the relevance set fixed at construction
func (o *Observer[E]) RelevantTypes() notify.TypeSet {
	return o.relevant
}

// Done is closed once the loop has exited and no cursor is open
func (o *Observer[E]) Done() <-chan struct{} {
	return o.done
}

// Stats returns counters for monitoring
func (o *Observer[E]) Stats() Stats {
	return Stats{
		State:       o.State().String(),
		Version:     o.version.Load(),
		Executions:  o.executions.Load(),
		Received:    o.received.Load(),
		Coalesced:   o.coalesced.Load(),
		Subscribers: o.out.Subscribers(),
	}
}

// Close stops observing: it unsubscribes from the bus, cancels an in-flight
// execution and waits for its cursor to be released. Downstream subscribers
// terminate with ErrCancelled. Idempotent.
func (o *Observer[E]) Close() {
	o.closeOnce.Do(func() {
		o.release()
		<-o.done
		o.out.Fail(result.ErrCancelled)
	})
}

// release moves to Closed and detaches from the bus and any in-flight
// execution. Safe from the loop.
func (o *Observer[E]) release() {
	o.releaseOnce.Do(func() {
		o.state.Store(int32(StateClosed))
		if o.sub != nil {
			o.sub.Unsubscribe()
		}
		o.cancel()
		telemetry.ObserversActive.Dec()
	})
}

// onCommit runs on the bus dispatcher; it only signals the loop
func (o *Observer[E]) onCommit(ev notify.CommitEvent) {
	if o.State() == StateClosed {
		return
	}
	o.received.Add(1)

	o.triggerMu.Lock()
	o.trigger = &ev
	o.triggerMu.Unlock()

	select {
	case o.pending <- struct{}{}:
	default:
		o.coalesced.Add(1)
		telemetry.ObserverCoalescedTotal.Inc()
	}
}

func (o *Observer[E]) takeTrigger() *notify.CommitEvent {
	o.triggerMu.Lock()
	defer o.triggerMu.Unlock()
	t := o.trigger
	o.trigger = nil
	return t
}

func (o *Observer[E]) run() {
	defer close(o.done)
	defer o.out.Fail(result.ErrCancelled)
	defer o.release()

	if !o.execute(nil) {
		return
	}

	for {
		select {
		case <-o.ctx.Done():
			return

		case <-o.pending:
			if !o.execute(nil) {
				return
			}

		case p := <-o.refresh:
			// A pending commit is covered by this execution
			select {
			case <-o.pending:
			default:
			}
			if !o.execute(p) {
				return
			}
		}
	}
}

// execute runs the query once and publishes the snapshot. It returns false
// when the loop must stop.
func (o *Observer[E]) execute(p *future.Promise[uint64]) bool {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateExecuting)) {
		resolve(p, 0, result.ErrCancelled)
		return false
	}

	trigger := o.takeTrigger()
	o.executions.Add(1)
	start := time.Now()

	items, err := result.ToList(o.exec.Execute(o.ctx, o.query))
	telemetry.ObserverExecutionSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		if result.IsCancelled(err) || o.ctx.Err() != nil {
			telemetry.ObserverExecutionsTotal.With("cancelled").Inc()
			resolve(p, 0, result.ErrCancelled)
			return false
		}

		telemetry.ObserverExecutionsTotal.With("failed").Inc()
		log.Warn().Err(err).Str("relevant", o.relevant.String()).Msg("Observed query failed")
		o.out.Fail(err)
		resolve(p, 0, err)
		return false
	}

	if !o.state.CompareAndSwap(int32(StateExecuting), int32(StateEmitting)) {
		telemetry.ObserverExecutionsTotal.With("cancelled").Inc()
		resolve(p, 0, result.ErrCancelled)
		return false
	}

	telemetry.ObserverExecutionsTotal.With("success").Inc()
	telemetry.SnapshotRows.Observe(float64(len(items)))

	version := o.version.Add(1)
	o.out.Publish(Snapshot[E]{Version: version, Items: items, Trigger: trigger})
	resolve(p, version, nil)

	return o.state.CompareAndSwap(int32(StateEmitting), int32(StateIdle))
}

func resolve(p *future.Promise[uint64], version uint64, err error) {
	if p != nil {
		p.Set(version, err)
	}
}
