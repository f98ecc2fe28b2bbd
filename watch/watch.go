// Package watch keeps named queries observed for the lifetime of the process
// and logs every snapshot they emit.
package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/db"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/observe"
	"github.com/rs/zerolog/log"
)

// Row is a query row keyed by column name
type Row = map[string]any

// Set owns one observer per configured watch
type Set struct {
	mu       sync.RWMutex
	watches  map[string]*observe.Observer[Row]
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	closeOne sync.Once
}

// Start observes every configured query. On error nothing is left running.
func Start(ctx context.Context, store *db.Store, bus observe.Bus, configs []cfg.WatchConfiguration) (*Set, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Set{
		watches: make(map[string]*observe.Observer[Row], len(configs)),
		cancel:  cancel,
	}

	exec := db.NewExecutor(store, db.MapRow)
	for _, wc := range configs {
		q, err := buildQuery(wc)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("watch %s: %w", wc.Name, err)
		}

		o, err := exec.Observe(ctx, bus, q)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("watch %s: %w", wc.Name, err)
		}

		// Subscribed before any caller can, so the observer never goes idle
		sub, err := o.Subscribe()
		if err != nil {
			o.Close()
			s.Close()
			return nil, fmt.Errorf("watch %s: %w", wc.Name, err)
		}

		s.mu.Lock()
		s.watches[wc.Name] = o
		s.mu.Unlock()

		s.wg.Add(1)
		go s.follow(wc.Name, o, sub.C())

		log.Info().
			Str("watch", wc.Name).
			Str("types", o.RelevantTypes().String()).
			Msg("Watching query")
	}

	return s, nil
}

func buildQuery(wc cfg.WatchConfiguration) (db.Query, error) {
	if len(wc.Types) > 0 {
		return db.Query{SQL: wc.SQL, Types: notify.TypesOf(wc.Types...)}, nil
	}
	return db.NewQuery(wc.SQL)
}

func (s *Set) follow(name string, o *observe.Observer[Row], snapshots <-chan observe.Snapshot[Row]) {
	defer s.wg.Done()

	for snap := range snapshots {
		ev := log.Debug().
			Str("watch", name).
			Uint64("version", snap.Version).
			Int("rows", len(snap.Items))
		if snap.Trigger != nil {
			ev = ev.Str("source", snap.Trigger.SourceID).Uint64("seq", snap.Trigger.Seq)
		}
		ev.Msg("Snapshot")
	}

	<-o.Done()
	if st := o.Stats(); st.Executions > 0 {
		log.Info().Str("watch", name).Uint64("versions", st.Version).Msg("Watch stopped")
	}
}

// Get returns the observer for name
func (s *Set) Get(name string) (*observe.Observer[Row], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.watches[name]
	return o, ok
}

// Names returns the watch names in sorted order
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.watches))
	for name := range s.watches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns observer stats per watch
func (s *Set) Stats() map[string]observe.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]observe.Stats, len(s.watches))
	for name, o := range s.watches {
		out[name] = o.Stats()
	}
	return out
}

// Close stops every watch and waits for their loggers. Idempotent.
func (s *Set) Close() {
	s.closeOne.Do(func() {
		s.mu.RLock()
		for _, o := range s.watches {
			o.Close()
		}
		s.mu.RUnlock()
		s.cancel()
		s.wg.Wait()
	})
}
