package result

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   int
	Name string
}

func recordID(r record) (int, error) {
	if r.ID == 0 {
		return 0, errors.New("record has no id")
	}
	return r.ID, nil
}

func TestFirst(t *testing.T) {
	rows := newFakeRows(record{1, "a"}, record{2, "b"})
	c, _ := trackedCursor(context.Background(), rows)

	first, err := First(c)
	require.NoError(t, err)
	assert.Equal(t, record{1, "a"}, first)
	assert.True(t, rows.closed.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestFirst_Empty(t *testing.T) {
	rows := newFakeRows[record]()
	c, _ := trackedCursor(context.Background(), rows)

	_, err := First(c)
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.True(t, rows.closed.Load())
}

func TestFirst_SourceError(t *testing.T) {
	boom := errors.New("boom")
	rows := newFakeRows[record]()
	rows.failAt = 0
	rows.failErr = boom
	c, _ := trackedCursor(context.Background(), rows)

	_, err := First(c)
	var se *SourceError
	assert.ErrorAs(t, err, &se)
	assert.NotErrorIs(t, err, ErrEmptyResult)
}

func TestFirstOr(t *testing.T) {
	def := record{ID: -1, Name: "default"}

	got, err := FirstOr(FromSlice([]record{}), def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = FirstOr(FromSlice([]record{{7, "x"}}), def)
	require.NoError(t, err)
	assert.Equal(t, record{7, "x"}, got)
}

func TestFirstOrSupplied_Lazy(t *testing.T) {
	calls := 0
	supply := func() record {
		calls++
		return record{ID: 99}
	}

	got, err := FirstOrSupplied(FromSlice([]record{{1, "a"}}), supply)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ID)
	assert.Equal(t, 0, calls, "supplier must not run for a non-empty result")

	got, err = FirstOrSupplied(FromSlice[record](nil), supply)
	require.NoError(t, err)
	assert.Equal(t, 99, got.ID)
	assert.Equal(t, 1, calls)
}

func TestFirstOrNil(t *testing.T) {
	got, err := FirstOrNil(FromSlice[record](nil))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = FirstOrNil(FromSlice([]record{{3, "c"}}))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.ID)
}

func TestToList(t *testing.T) {
	rows := newFakeRows(record{1, "a"}, record{2, "b"}, record{3, "c"})
	c, _ := trackedCursor(context.Background(), rows)

	list, err := ToList(c)
	require.NoError(t, err)
	assert.Equal(t, []record{{1, "a"}, {2, "b"}, {3, "c"}}, list)
	assert.True(t, rows.closed.Load())
}

func TestToList_Empty(t *testing.T) {
	list, err := ToList(FromSlice[int](nil))
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestToList_FreshSlice(t *testing.T) {
	src := []int{1, 2, 3}
	list, err := ToList(FromSlice(src))
	require.NoError(t, err)

	list[0] = 100
	assert.Equal(t, 1, src[0], "returned list must not alias the source")
}

func TestToList_ErrorClosesCursor(t *testing.T) {
	rows := newFakeRows(1, 2, 3)
	rows.failAt = 2
	rows.failErr = errors.New("boom")
	c, _ := trackedCursor(context.Background(), rows)

	list, err := ToList(c)
	assert.Error(t, err)
	assert.Empty(t, list)
	assert.True(t, rows.closed.Load())
}

func TestCollect_Appends(t *testing.T) {
	dst := []int{0}
	out, err := Collect(FromSlice([]int{1, 2}), dst)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, out)
}

func TestToMap_LastWriteWins(t *testing.T) {
	rows := newFakeRows(record{1, "a"}, record{2, "x"}, record{1, "b"})
	c, _ := trackedCursor(context.Background(), rows)

	m, err := ToMap(c, recordID)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "b", v.Name)
	assert.Equal(t, []int{1, 2}, m.Keys(), "collision keeps the first-seen position")
	assert.True(t, rows.closed.Load())
}

func TestToMap_SingleCollision(t *testing.T) {
	m, err := ToMap(FromSlice([]record{{1, "a"}, {1, "b"}}), recordID)
	require.NoError(t, err)
	assert.Equal(t, map[int]record{1: {1, "b"}}, m.Map())
}

func TestToMap_KeyExtractionError(t *testing.T) {
	rows := newFakeRows(record{1, "a"}, record{0, "no id"}, record{3, "c"})
	c, _ := trackedCursor(context.Background(), rows)

	m, err := ToMap(c, recordID)
	assert.Nil(t, m)

	var ke *KeyExtractionError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, 1, ke.Index)
	assert.True(t, rows.closed.Load(), "cursor must be closed on key failure")
	assert.Equal(t, 2, rows.pos, "iteration stops at the failing record")
}

func TestToMapInto(t *testing.T) {
	into := map[int]record{5: {5, "existing"}}
	out, err := ToMapInto(FromSlice([]record{{1, "a"}, {5, "replaced"}}), recordID, into)
	require.NoError(t, err)

	assert.Len(t, out, 2)
	assert.Equal(t, "replaced", out[5].Name)

	out, err = ToMapInto(FromSlice([]record{{1, "a"}}), recordID, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestEach_Order(t *testing.T) {
	rows := newFakeRows(1, 2, 3, 4)
	c, _ := trackedCursor(context.Background(), rows)

	var seen []int
	err := Each(c, func(v int) error {
		seen = append(seen, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, seen)
	assert.True(t, rows.closed.Load())
}

func TestEach_StopsOnCallbackError(t *testing.T) {
	rows := newFakeRows(1, 2, 3, 4)
	c, _ := trackedCursor(context.Background(), rows)
	stop := errors.New("stop")

	var seen []int
	err := Each(c, func(v int) error {
		seen = append(seen, v)
		if v == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{1, 2}, seen)
	assert.True(t, rows.closed.Load())
}

func TestOrderedMap_Range(t *testing.T) {
	m := NewOrderedMap[string, int]()
	for i, k := range []string{"c", "a", "b", "a"} {
		m.Set(k, i)
	}

	var parts []string
	m.Range(func(k string, v int) bool {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		return k != "a"
	})
	assert.Equal(t, []string{"c=0", "a=3"}, parts)
}
