package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livequery/encoding"
	"github.com/maxpert/livequery/relevance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	key   string
	value []byte
}

// fakeSink fails the first failures publishes
type fakeSink struct {
	mu       sync.Mutex
	msgs     []published
	failures int
	closed   bool
}

func (s *fakeSink) Publish(topic, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.msgs = append(s.msgs, published{topic, key, value})
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) messages() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.msgs...)
}

func waitForMessages(t *testing.T, s *fakeSink, n int) []published {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.messages()) >= n }, 3*time.Second, 5*time.Millisecond)
	return s.messages()
}

func newTestWorker(t *testing.T, ob *Outbox, snk Sink, filter Filter) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Outbox:       ob,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  "livequery",
		PollInterval: 10 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func TestNewWorker_Validation(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	_, err = NewWorker(WorkerConfig{Outbox: ob, Sink: &fakeSink{}})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Sink: &fakeSink{}})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{Name: "x", Outbox: ob})
	assert.Error(t, err)

	w, err := NewWorker(WorkerConfig{Name: "x", Outbox: ob, Sink: &fakeSink{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, w.config.BatchSize)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
}

func TestWorker_PublishesOneMessagePerType(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	snk := &fakeSink{}
	w := newTestWorker(t, ob, snk, nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, ob.Append(testRecords(1, "users", "orders")))

	msgs := waitForMessages(t, snk, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "livequery.orders", msgs[0].topic)
	assert.Equal(t, "livequery.users", msgs[1].topic)
	assert.Equal(t, "node-1", msgs[0].key)

	var m Message
	require.NoError(t, encoding.Decode(msgs[1].value, &m))
	assert.Equal(t, "users", m.Type)
	assert.Equal(t, []string{"orders", "users"}, m.Types)
	assert.Equal(t, uint64(1), m.Seq)

	require.Eventually(t, func() bool { return w.Cursor() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_FilterSkipsButAdvances(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	filter, err := relevance.CompilePatterns("user*")
	require.NoError(t, err)

	snk := &fakeSink{}
	w := newTestWorker(t, ob, snk, filter)
	w.Start()
	defer w.Stop()

	require.NoError(t, ob.Append(testRecords(1, "orders")))
	require.NoError(t, ob.Append(testRecords(1, "orders", "users")))

	msgs := waitForMessages(t, snk, 1)
	assert.Equal(t, "livequery.users", msgs[0].topic)
	require.Eventually(t, func() bool { return w.Cursor() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, snk.messages(), 1)
}

func TestWorker_RetriesThenDelivers(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	snk := &fakeSink{failures: 3}
	w := newTestWorker(t, ob, snk, nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, ob.Append(testRecords(1, "users")))
	msgs := waitForMessages(t, snk, 1)
	assert.Len(t, msgs, 1)
}

func TestWorker_ZstdCompression(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	snk := &fakeSink{}
	w, err := NewWorker(WorkerConfig{
		Name:         "zstd",
		Outbox:       ob,
		Sink:         snk,
		Compression:  encoding.CompressionZstd,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, ob.Append(testRecords(1, "users")))
	msgs := waitForMessages(t, snk, 1)
	assert.Equal(t, "users", msgs[0].topic, "no prefix means the bare type")

	var m Message
	require.NoError(t, encoding.Decode(msgs[0].value, &m))
	assert.Equal(t, "users", m.Type)
}

func TestWorker_ResumesFromCursor(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	require.NoError(t, ob.Append(testRecords(3, "users")))
	require.NoError(t, ob.AdvanceCursor("test", 2))

	snk := &fakeSink{}
	w := newTestWorker(t, ob, snk, nil)
	w.Start()
	defer w.Stop()

	msgs := waitForMessages(t, snk, 1)
	var m Message
	require.NoError(t, encoding.Decode(msgs[0].value, &m))
	assert.Equal(t, uint64(3), m.Seq)
}

func TestWorker_StopDuringRetry(t *testing.T) {
	ob, err := OpenOutbox(t.TempDir())
	require.NoError(t, err)
	defer ob.Close()

	snk := &fakeSink{failures: 1 << 30}
	w, err := NewWorker(WorkerConfig{
		Name:         "stuck",
		Outbox:       ob,
		Sink:         snk,
		PollInterval: 10 * time.Millisecond,
		RetryInitial: time.Hour,
	})
	require.NoError(t, err)
	w.Start()
	require.NoError(t, ob.Append(testRecords(1, "users")))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on retry backoff")
	}
	assert.Equal(t, uint64(0), w.Cursor())
}
