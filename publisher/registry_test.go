package publisher

import (
	"testing"
	"time"

	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerFake(t *testing.T, sinkType string) *fakeSink {
	t.Helper()
	snk := &fakeSink{}
	RegisterSink(sinkType, func(cfg.SinkConfiguration) (Sink, error) { return snk, nil })
	return snk
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		Sinks:   []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}},
	})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestRegistry_AddSinkValidation(t *testing.T) {
	registerFake(t, "fake-validation")
	r, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer r.Stop()

	require.NoError(t, r.AddSink(cfg.SinkConfiguration{Name: "a", Type: "fake-validation"}))
	assert.ErrorContains(t, r.AddSink(cfg.SinkConfiguration{Name: "a", Type: "fake-validation"}), "duplicate")
	assert.Error(t, r.AddSink(cfg.SinkConfiguration{Type: "fake-validation"}))
	assert.Error(t, r.AddSink(cfg.SinkConfiguration{Name: "b", Type: "fake-validation", Compression: "gzip"}))
	assert.Error(t, r.AddSink(cfg.SinkConfiguration{Name: "c", Type: "fake-validation", FilterTypes: []string{"[bad"}}))
}

func TestRegistry_ForwardsBusCommits(t *testing.T) {
	snk := registerFake(t, "fake-forward")
	bus := notify.NewBus(notify.Options{})
	defer bus.Shutdown()

	r, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		Sinks: []cfg.SinkConfiguration{{
			Name:        "out",
			Type:        "fake-forward",
			TopicPrefix: "lq",
			FilterTypes: []string{"users"},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(bus))
	assert.Error(t, r.Start(bus), "second start must fail")

	bus.Publish(notify.CommitEvent{AffectedTypes: notify.TypesOf("orders"), SourceID: "n1"})
	bus.Publish(notify.CommitEvent{AffectedTypes: notify.TypesOf("users", "orders"), SourceID: "n1"})

	msgs := waitForMessages(t, snk, 1)
	assert.Equal(t, "lq.users", msgs[0].topic)
	assert.Equal(t, "n1", msgs[0].key)

	require.Eventually(t, func() bool { return r.Outbox().Cursor("out") == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, snk.messages(), 1)

	r.Stop()
	assert.True(t, snk.closed)
	assert.Equal(t, 0, bus.SubscriberCount())
	r.Stop()
}

func TestRegistry_BacklogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	bus := notify.NewBus(notify.Options{})
	defer bus.Shutdown()

	// No sinks: commits are recorded, nothing consumes them
	r, err := NewRegistry(RegistryConfig{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, r.Start(bus))
	bus.Publish(notify.CommitEvent{AffectedTypes: notify.TypesOf("users"), SourceID: "n1"})
	require.Eventually(t, func() bool { return r.Outbox().LastSeq() == 1 }, time.Second, 5*time.Millisecond)
	r.Stop()

	snk := registerFake(t, "fake-restart")
	r, err = NewRegistry(RegistryConfig{
		DataDir: dir,
		Sinks:   []cfg.SinkConfiguration{{Name: "late", Type: "fake-restart"}},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(bus))
	defer r.Stop()

	msgs := waitForMessages(t, snk, 1)
	assert.Equal(t, "users", msgs[0].topic)
}

func TestRegistry_StartOnShutdownBus(t *testing.T) {
	bus := notify.NewBus(notify.Options{})
	bus.Shutdown()

	r, err := NewRegistry(RegistryConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer r.Stop()
	assert.Error(t, r.Start(bus))
}

func TestRegistry_Backlog(t *testing.T) {
	registerFake(t, "fake-backlog")
	r, err := NewRegistry(RegistryConfig{
		DataDir: t.TempDir(),
		Sinks:   []cfg.SinkConfiguration{{Name: "idle", Type: "fake-backlog"}},
	})
	require.NoError(t, err)
	defer r.Stop()

	require.NoError(t, r.Outbox().Append(testRecords(3, "users")))
	assert.Equal(t, map[string]uint64{"idle": 3}, r.Backlog())

	require.NoError(t, r.Outbox().AdvanceCursor("idle", 2))
	assert.Equal(t, map[string]uint64{"idle": 1}, r.Backlog())
}
