package result

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRows is an in-memory source that records how it was driven
type fakeRows[E any] struct {
	items   []E
	pos     int
	failAt  int // index at which Next fails; -1 disables
	failErr error
	block   chan struct{} // when set, Next waits on it before every record
	closed  atomic.Bool
	nexts   atomic.Int32
}

func newFakeRows[E any](items ...E) *fakeRows[E] {
	return &fakeRows[E]{items: items, failAt: -1}
}

func (r *fakeRows[E]) Next() (E, bool, error) {
	r.nexts.Add(1)
	if r.block != nil {
		<-r.block
	}
	var zero E
	if r.failAt >= 0 && r.pos == r.failAt {
		return zero, false, r.failErr
	}
	if r.pos >= len(r.items) {
		return zero, false, nil
	}
	v := r.items[r.pos]
	r.pos++
	return v, true, nil
}

func (r *fakeRows[E]) Close() error {
	r.closed.Store(true)
	return nil
}

// trackedCursor returns a cursor over rows plus a counter of how many times
// the source was opened
func trackedCursor[E any](ctx context.Context, rows *fakeRows[E]) (*Cursor[E], *atomic.Int32) {
	var opens atomic.Int32
	c := NewCursor(ctx, func(context.Context) (Rows[E], error) {
		opens.Add(1)
		return rows, nil
	})
	return c, &opens
}

func TestCursor_LazyOpen(t *testing.T) {
	rows := newFakeRows(1, 2)
	c, opens := trackedCursor(context.Background(), rows)

	assert.Equal(t, StateNotStarted, c.State())
	assert.Equal(t, int32(0), opens.Load(), "source must not open at construction")

	v, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, StateIterating, c.State())
	assert.Equal(t, int32(1), opens.Load())
}

func TestCursor_IterateToExhaustion(t *testing.T) {
	rows := newFakeRows("a", "b", "c")
	c, _ := trackedCursor(context.Background(), rows)

	var got []string
	for {
		v, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, StateExhausted, c.State())

	// Exhausted cursors keep reporting end of results until closed
	_, ok, err := c.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, rows.closed.Load())

	require.NoError(t, c.Close())
	assert.True(t, rows.closed.Load())
}

func TestCursor_CloseIsIdempotent(t *testing.T) {
	rows := newFakeRows(1)
	c, _ := trackedCursor(context.Background(), rows)

	_, _, err := c.Next()
	require.NoError(t, err)

	var closes int
	c.OnClose(func() { closes++ })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, closes)
	assert.Equal(t, StateClosed, c.State())

	_, _, err = c.Next()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCursor_CloseBeforeStart(t *testing.T) {
	rows := newFakeRows(1)
	c, opens := trackedCursor(context.Background(), rows)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	_, _, err := c.Next()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(0), opens.Load(), "closed cursor must never open its source")
}

func TestCursor_OnCloseAfterClose(t *testing.T) {
	c := FromSlice([]int{1})
	require.NoError(t, c.Close())

	called := false
	c.OnClose(func() { called = true })
	assert.True(t, called)
}

func TestCursor_SourceErrorClosesCursor(t *testing.T) {
	boom := errors.New("disk on fire")
	rows := newFakeRows(1, 2, 3)
	rows.failAt = 1
	rows.failErr = boom
	c, _ := trackedCursor(context.Background(), rows)

	v, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok, err = c.Next()
	assert.False(t, ok)

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsCancelled(err))

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, rows.closed.Load())
}

func TestCursor_OpenErrorIsSourceError(t *testing.T) {
	boom := errors.New("no such table")
	c := NewCursor(context.Background(), func(context.Context) (Rows[int], error) {
		return nil, boom
	})

	_, _, err := c.Next()
	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateClosed, c.State())
}

func TestCursor_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rows := newFakeRows(1, 2, 3)
	c, _ := trackedCursor(ctx, rows)

	_, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)

	cancel()

	_, ok, err = c.Next()
	assert.False(t, ok)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)

	var se *SourceError
	assert.False(t, errors.As(err, &se), "cancellation is not a source failure")

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, rows.closed.Load())
}

func TestCursor_SourceReportsContextCanceled(t *testing.T) {
	rows := newFakeRows[int]()
	rows.failAt = 0
	rows.failErr = context.Canceled
	c, _ := trackedCursor(context.Background(), rows)

	_, _, err := c.Next()
	assert.True(t, IsCancelled(err))
	assert.Equal(t, StateClosed, c.State())
}

func TestCursor_ConcurrentUseGuard(t *testing.T) {
	rows := newFakeRows(1, 2)
	rows.block = make(chan struct{})
	c, _ := trackedCursor(context.Background(), rows)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _ = c.Next()
	}()

	require.Eventually(t, func() bool { return rows.nexts.Load() == 1 }, time.Second, time.Millisecond)

	_, _, err := c.Next()
	assert.ErrorIs(t, err, ErrConcurrentUse)

	close(rows.block)
	wg.Wait()
	require.NoError(t, c.Close())
}

func TestCursor_All(t *testing.T) {
	rows := newFakeRows(10, 20, 30)
	c, _ := trackedCursor(context.Background(), rows)

	var got []int
	for v, err := range c.All() {
		require.NoError(t, err)
		got = append(got, v)
	}

	assert.Equal(t, []int{10, 20, 30}, got)
	assert.True(t, rows.closed.Load())
}

func TestCursor_AllBreakCloses(t *testing.T) {
	rows := newFakeRows(10, 20, 30)
	c, _ := trackedCursor(context.Background(), rows)

	for v, err := range c.All() {
		require.NoError(t, err)
		if v == 10 {
			break
		}
	}

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, rows.closed.Load())
}

func TestCursor_AllYieldsError(t *testing.T) {
	boom := errors.New("boom")
	rows := newFakeRows(1, 2)
	rows.failAt = 1
	rows.failErr = boom
	c, _ := trackedCursor(context.Background(), rows)

	var values []int
	var errs []error
	for v, err := range c.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		values = append(values, v)
	}

	assert.Equal(t, []int{1}, values)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "iterating", StateIterating.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
