package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livequery/encoding"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading records per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when no append signal arrives
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a record
	DefaultMaxRetries = 100
)

// WorkerConfig configures a forwarding worker
type WorkerConfig struct {
	Name            string               // Sink name (for cursor tracking)
	Outbox          *Outbox              // Outbox to read from
	Sink            Sink                 // Destination sink
	Filter          Filter               // Type filter, nil forwards every type
	Compression     encoding.Compression // Payload compression
	TopicPrefix     string               // Topic prefix (e.g., "livequery.commits")
	BatchSize       int                  // Records per poll cycle
	PollInterval    time.Duration        // Poll interval
	RetryInitial    time.Duration        // Initial retry delay
	RetryMax        time.Duration        // Max retry delay
	RetryMultiplier float64              // Backoff multiplier
	MaxRetries      int                  // Maximum retry attempts
}

// Worker polls the outbox and publishes commit events to a sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new forwarding worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Outbox == nil {
		return nil, fmt.Errorf("outbox is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor := config.Outbox.Cursor(config.Name)

	// A new sink starts at the oldest record still retained
	if cursor == 0 {
		first, err := config.Outbox.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest record: %w", err)
		}
		if len(first) > 0 {
			cursor = first[0].LogSeq - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Cursor returns the sequence of the last record the worker handled
func (w *Worker) Cursor() uint64 {
	return w.config.Outbox.Cursor(w.config.Name)
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting forwarding worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for the in-flight record
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Forwarding worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		records, err := w.config.Outbox.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from outbox")
			if !w.wait() {
				return
			}
			continue
		}

		if len(records) == 0 {
			if !w.wait() {
				return
			}
			continue
		}

		for _, rec := range records {
			if err := w.processRecord(rec); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", rec.LogSeq).
					Msg("Failed to forward commit event")
				// Resume from the same record after the backoff cap
				if !w.sleep(w.config.RetryMax) {
					return
				}
				break
			}
			w.cursor = rec.LogSeq
		}
	}
}

// processRecord publishes one message per forwarded type, then advances the
// cursor. Delivery is at-least-once: a crash between publish and cursor
// advance redelivers the record.
func (w *Worker) processRecord(rec Record) error {
	types := rec.Event.AffectedTypes
	if w.config.Filter != nil {
		types = w.config.Filter.Select(types)
	}

	for _, tag := range types {
		data, err := encoding.Encode(w.message(tag, rec.Event), w.config.Compression)
		if err != nil {
			return fmt.Errorf("failed to encode commit event: %w", err)
		}
		if err := w.publishWithRetry(w.buildTopic(tag), rec.Event.SourceID, data); err != nil {
			telemetry.ForwardPublishTotal.With(w.config.Name, "failed").Inc()
			return err
		}
		telemetry.ForwardPublishTotal.With(w.config.Name, "success").Inc()
	}

	if err := w.config.Outbox.AdvanceCursor(w.config.Name, rec.LogSeq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", rec.LogSeq).
			Msg("Failed to advance cursor, record may be redelivered")
	}
	return nil
}

func (w *Worker) message(tag notify.TypeTag, ev notify.CommitEvent) *Message {
	return &Message{
		Type:     string(tag),
		Types:    ev.AffectedTypes.Strings(),
		SourceID: ev.SourceID,
		Seq:      ev.Seq,
		CommitTS: ev.CommitTS,
	}
}

func (w *Worker) buildTopic(tag notify.TypeTag) string {
	if w.config.TopicPrefix == "" {
		return string(tag)
	}
	return w.config.TopicPrefix + "." + string(tag)
}

// publishWithRetry publishes data with exponential backoff.
// Returns an error when retries are exhausted or the worker stops.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish commit event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// wait blocks until an append, the poll interval, or stop.
// Returns false if stopped.
func (w *Worker) wait() bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-w.config.Outbox.Appended():
		return true
	case <-timer.C:
		return true
	}
}

// sleep returns true if d elapsed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
