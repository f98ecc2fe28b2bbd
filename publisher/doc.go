// Package publisher forwards commit events to external systems (Kafka, NATS).
//
// The registry subscribes to every commit on the notification bus and
// appends it to a Pebble-backed outbox. One worker per configured sink reads
// the outbox from its own persisted cursor, publishes one message per
// forwarded type and advances the cursor. Sinks that are down build up a
// backlog instead of losing events; delivery is at-least-once.
//
// Key prefixes:
//
//	/outbox/{seq:016x}      -> msgpack(Record)
//	/obcursor/{sinkName}    -> uint64 (cursor)
//	/obseq                  -> uint64 (last sequence)
//
// Messages are published to "{topic_prefix}.{type}" keyed by the commit's
// source ID. Payloads are msgpack, optionally zstd-compressed.
//
// Every outbox record below the minimum cursor across all sinks is deleted
// after each 128 sequence numbers.
package publisher
