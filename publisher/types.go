package publisher

import "github.com/maxpert/livequery/notify"

// Record is a commit event as stored in the outbox
type Record struct {
	LogSeq uint64             `msgpack:"lseq"` // Outbox sequence, assigned on append
	Event  notify.CommitEvent `msgpack:"ev"`
}

// Message is the payload published to a sink for one affected type
type Message struct {
	Type     string   `msgpack:"type"`  // The type this message is routed by
	Types    []string `msgpack:"types"` // Every type the commit affected
	SourceID string   `msgpack:"src"`
	Seq      uint64   `msgpack:"seq"`
	CommitTS int64    `msgpack:"ts"`
}

// Sink represents a destination for commit events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter decides which affected types of a commit are forwarded
type Filter interface {
	// Select returns the subset of types to forward, empty to skip the event
	Select(types notify.TypeSet) notify.TypeSet
}
