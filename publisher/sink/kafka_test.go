package sink

import (
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/publisher"
	"github.com/segmentio/kafka-go"
)

var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 || config.Brokers[0] != "localhost:9092" {
		t.Errorf("unexpected brokers: %v", config.Brokers)
	}
	if config.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", config.BatchSize)
	}
	if config.BatchBytes != 1048576 {
		t.Errorf("expected batch bytes 1048576, got %d", config.BatchBytes)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != 2048 {
		t.Errorf("expected batch bytes 2048, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writes")
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestKafkaFactory_UsesConfiguredBatchSize(t *testing.T) {
	// Registered by init; the factory does not dial
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	defer registry.Stop()

	err = registry.AddSink(cfg.SinkConfiguration{Name: "k", Type: "kafka", Brokers: []string{"localhost:9092"}, BatchSize: 7})
	if err != nil {
		t.Fatalf("AddSink failed: %v", err)
	}

	err = registry.AddSink(cfg.SinkConfiguration{Name: "empty", Type: "kafka"})
	if err == nil {
		t.Error("expected error for kafka sink without brokers")
	}
}

func TestNatsFactory_RequiresURL(t *testing.T) {
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	defer registry.Stop()

	if err := registry.AddSink(cfg.SinkConfiguration{Name: "n", Type: "nats"}); err == nil {
		t.Error("expected error for nats sink without nats_url")
	}
}

func TestSanitizeStreamName(t *testing.T) {
	cases := map[string]string{
		"livequery.users": "livequery_users",
		"a.b.c":           "a_b_c",
		"users":           "users",
		"a.*.>":           "a____",
	}
	for in, want := range cases {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockSink_Publish(t *testing.T) {
	mock := &MockSink{}

	if err := mock.Publish("test-topic", "key1", []byte("value1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "test-topic" || msgs[0].Key != "key1" || string(msgs[0].Value) != "value1" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestMockSink_PublishError(t *testing.T) {
	expectedErr := errors.New("publish failed")
	mock := &MockSink{PublishErr: expectedErr}

	if err := mock.Publish("test-topic", "key1", []byte("value1")); err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if len(mock.Messages()) != 0 {
		t.Error("expected no messages on error")
	}
}

func TestMockSink_ResetAndClose(t *testing.T) {
	mock := &MockSink{}
	mock.Publish("topic1", "key1", []byte("value1"))
	mock.Publish("topic2", "key2", []byte("value2"))

	mock.Reset()
	if len(mock.Messages()) != 0 {
		t.Error("expected no messages after reset")
	}

	if err := mock.Close(); err != nil {
		t.Errorf("unexpected error closing mock: %v", err)
	}
	if !mock.Closed() {
		t.Error("expected Closed after Close")
	}
}

func TestMockSink_Concurrent(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	if len(mock.Messages()) != 10 {
		t.Errorf("expected 10 messages, got %d", len(mock.Messages()))
	}
}
