package telemetry

import (
	"sync"
	"time"
)

// BacklogProvider reports unconsumed outbox records per sink
type BacklogProvider interface {
	Backlog() map[string]uint64
}

// MetricsCollector periodically samples state that has no natural update
// point and writes it to gauges
type MetricsCollector struct {
	backlog  BacklogProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(backlog BacklogProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		backlog:  backlog,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Idempotent.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.backlog == nil {
		return
	}
	for sink, n := range mc.backlog.Backlog() {
		ForwardBacklog.With(sink).Set(float64(n))
	}
}
