package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/encoding"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/relevance"
	"github.com/rs/zerolog/log"
)

// Bus is the part of notify.Bus the registry listens on
type Bus interface {
	Subscribe(filter notify.Filter, handler notify.Handler) *notify.Subscription
}

// RegistryConfig configures the forwarding registry
type RegistryConfig struct {
	DataDir string                  // Outbox lives under {DataDir}/outbox
	Sinks   []cfg.SinkConfiguration // From config
}

// Registry records commit events in the outbox and runs one worker per sink
type Registry struct {
	outbox  *Outbox
	workers []*Worker
	sub     *notify.Subscription
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the outbox and creates a worker for every configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	outbox, err := OpenOutbox(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	registry := &Registry{
		outbox:  outbox,
		workers: make([]*Worker, 0, len(config.Sinks)),
	}

	for _, sinkCfg := range config.Sinks {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			outbox.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Forwarding registry initialized")

	return registry, nil
}

// AddSink creates the sink and its worker
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addWorker(config, snk)
}

func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if config.Name == "" {
		snk.Close()
		return fmt.Errorf("sink name is required")
	}
	for _, w := range r.workers {
		if w.config.Name == config.Name {
			snk.Close()
			return fmt.Errorf("duplicate sink name %q", config.Name)
		}
	}

	compression, err := encoding.ParseCompression(config.Compression)
	if err != nil {
		snk.Close()
		return err
	}

	filter, err := relevance.CompilePatterns(config.FilterTypes...)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:        config.Name,
		Outbox:      r.outbox,
		Sink:        snk,
		Filter:      filter,
		Compression: compression,
		TopicPrefix: config.TopicPrefix,
		BatchSize:   config.BatchSize,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("filter", filter.String()).
		Msg("Added forwarding sink")

	return nil
}

// Start subscribes to every commit on bus and starts the workers
func (r *Registry) Start(bus Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	sub := bus.Subscribe(notify.Filter{}, r.onCommit)
	if sub == nil {
		return fmt.Errorf("bus is shut down")
	}
	r.sub = sub

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)

	log.Info().Int("workers", len(r.workers)).Msg("Forwarding registry started")
	return nil
}

func (r *Registry) onCommit(ev notify.CommitEvent) {
	if err := r.outbox.Append([]Record{{Event: ev}}); err != nil {
		log.Error().Err(err).Uint64("seq", ev.Seq).Msg("Failed to record commit event in outbox")
	}
}

// Stop unsubscribes, stops all workers and closes sinks and the outbox
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasRunning := r.running.Swap(false)
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}

	for _, worker := range r.workers {
		if wasRunning {
			worker.Stop()
		}
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
	r.workers = nil

	if err := r.outbox.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close outbox")
	}

	log.Info().Msg("Forwarding registry stopped")
}

// Outbox returns the registry's outbox
func (r *Registry) Outbox() *Outbox {
	return r.outbox
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// Backlog returns, per sink, how many outbox records it has not consumed
func (r *Registry) Backlog() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.outbox.LastSeq()
	out := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		if c := r.outbox.Cursor(w.config.Name); c < last {
			out[w.config.Name] = last - c
		} else {
			out[w.config.Name] = 0
		}
	}
	return out
}
