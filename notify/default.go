package notify

import (
	"sync"

	"github.com/maxpert/livequery/cfg"
	"github.com/rs/zerolog/log"
)

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, creating it from cfg.Config on first use.
// Components should prefer having a *Bus injected; this exists for callers
// that have no wiring of their own.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultBus == nil {
		defaultBus = NewBus(Options{
			QueueSize: cfg.Config.Bus.QueueSize,
			SourceID:  cfg.SourceID(),
		})
		log.Debug().Int("queue_size", cfg.Config.Bus.QueueSize).Msg("Process commit bus initialized")
	}
	return defaultBus
}

// ShutdownDefault shuts the process-wide bus down. A later Default call creates a fresh one.
func ShutdownDefault() {
	defaultMu.Lock()
	bus := defaultBus
	defaultBus = nil
	defaultMu.Unlock()

	if bus != nil {
		bus.Shutdown()
	}
}
