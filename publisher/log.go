package publisher

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/livequery/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixOutbox       = "/outbox/"   // /outbox/{16-digit-hex-seq}
	prefixOutboxCursor = "/obcursor/" // /obcursor/{sinkName}
	keyOutboxSeq       = "/obseq"     // last assigned sequence
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

// Outbox is a Pebble-backed append-only log of commit events with a
// consumption cursor per sink. Sinks that are down keep their backlog until
// they catch up; entries every sink has consumed are deleted.
type Outbox struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	lastSeq  atomic.Uint64
	appendMu sync.Mutex

	// Receives a token after every append so idle workers wake immediately
	appended chan struct{}

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenOutbox creates or opens the outbox under dataDir
func OpenOutbox(dataDir string) (*Outbox, error) {
	path := filepath.Join(dataDir, "outbox")

	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox at %s: %w", path, err)
	}

	ob := &Outbox{
		db:       db,
		path:     path,
		cursors:  make(map[string]uint64),
		appended: make(chan struct{}, 1),
	}

	if err := ob.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := ob.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return ob, nil
}

func (ob *Outbox) loadLastSeq() error {
	val, closer, err := ob.db.Get([]byte(keyOutboxSeq))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	ob.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (ob *Outbox) loadCursors() error {
	prefix := []byte(prefixOutboxCursor)
	iter, err := ob.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", name, len(val))
		}
		ob.cursors[name] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(ob.cursors) > 0 {
		log.Info().Int("cursors", len(ob.cursors)).Msg("Loaded outbox cursors")
	}
	return nil
}

// Append stores records and assigns their LogSeq
func (ob *Outbox) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if ob.closed.Load() {
		return fmt.Errorf("outbox is closed")
	}

	ob.appendMu.Lock()
	defer ob.appendMu.Unlock()

	seq := ob.lastSeq.Load()
	batch := ob.db.NewBatch()
	defer batch.Close()

	for i := range records {
		seq++
		records[i].LogSeq = seq

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := batch.Set(outboxKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keyOutboxSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	ob.lastSeq.Store(seq)

	select {
	case ob.appended <- struct{}{}:
	default:
	}
	return nil
}

// Appended is signalled after appends. Several appends may share one signal.
func (ob *Outbox) Appended() <-chan struct{} {
	return ob.appended
}

// LastSeq returns the sequence of the newest record
func (ob *Outbox) LastSeq() uint64 {
	return ob.lastSeq.Load()
}

// ReadFrom returns up to limit records after cursor
func (ob *Outbox) ReadFrom(cursor uint64, limit int) ([]Record, error) {
	if ob.closed.Load() {
		return nil, fmt.Errorf("outbox is closed")
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := outboxKey(cursor + 1)
	iter, err := ob.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixOutbox)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec Record
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted outbox record")
			continue
		}
		records = append(records, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// Cursor returns the last sequence sinkName has consumed, 0 for a new sink
func (ob *Outbox) Cursor(sinkName string) uint64 {
	ob.cursorsMu.RLock()
	defer ob.cursorsMu.RUnlock()
	return ob.cursors[sinkName]
}

// AdvanceCursor records that sinkName consumed everything up to seq
func (ob *Outbox) AdvanceCursor(sinkName string, seq uint64) error {
	if ob.closed.Load() {
		return fmt.Errorf("outbox is closed")
	}

	ob.cursorsMu.Lock()
	ob.cursors[sinkName] = seq
	ob.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := ob.db.Set([]byte(prefixOutboxCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && ob.cleanupRunning.CompareAndSwap(false, true) {
		ob.cleanupWg.Add(1)
		go func() {
			defer ob.cleanupWg.Done()
			defer ob.cleanupRunning.Store(false)
			ob.cleanup()
		}()
	}
	return nil
}

// cleanup deletes records every sink has consumed
func (ob *Outbox) cleanup() {
	ob.cleanupMu.Lock()
	defer ob.cleanupMu.Unlock()

	if ob.closed.Load() {
		return
	}

	ob.cursorsMu.RLock()
	if len(ob.cursors) == 0 {
		ob.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range ob.cursors {
		minCursor = min(minCursor, c)
	}
	ob.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// DeleteRange end is exclusive, so minCursor itself goes too
	if err := ob.db.DeleteRange([]byte(prefixOutbox), outboxKey(minCursor+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up outbox")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up outbox")
}

// Close waits for cleanup and closes Pebble
func (ob *Outbox) Close() error {
	if !ob.closed.CompareAndSwap(false, true) {
		return nil
	}
	ob.cleanupWg.Wait()
	return ob.db.Close()
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixOutbox, seq))
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
