// Package pebblelog is the one real logtailer.LogTailer this repo ships:
// a Pebble-backed append-only log keyed by topicuuid.LogID, with readers
// that tail the log from a given sequence number and block for new
// writes the way internal/eventlog's Log.WaitForAppend does, adapted
// here from per-namespace consumer cursors to per-reader positions
// addressed by logtailer.ReaderID.
package pebblelog

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/rocketspeed-io/towercore/internal/logtailer"
	pebblestore "github.com/rocketspeed-io/towercore/internal/storage/pebble"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Log is a logtailer.LogTailer backed by a single Pebble database shared
// across all logs in the configured range; the log id is folded into the
// key, not the database path.
type Log struct {
	db        *pebblestore.DB
	sink      logtailer.Sink
	pastEndOK bool

	mu      sync.Mutex
	lastSeq map[uint64]uint64
	notify  map[uint64]chan struct{}
	readers map[readerKey]context.CancelFunc
}

type readerKey struct {
	logID    uint64
	readerID logtailer.ReaderID
}

// New constructs a Log. canSubscribePastEnd mirrors the real store's
// support for opening a reader at the position one past the last
// written record, as opposed to requiring a rewind-by-one.
func New(db *pebblestore.DB, sink logtailer.Sink, canSubscribePastEnd bool) *Log {
	return &Log{
		db:        db,
		sink:      sink,
		pastEndOK: canSubscribePastEnd,
		lastSeq:   make(map[uint64]uint64),
		notify:    make(map[uint64]chan struct{}),
		readers:   make(map[readerKey]context.CancelFunc),
	}
}

// Append assigns the next sequence number for logID and durably writes
// the record, waking any reader blocked waiting for new data.
func (l *Log) Append(ctx context.Context, logID topicuuid.LogID, topic topicuuid.TopicUUID, payload []byte) (topicuuid.SequenceNumber, error) {
	l.mu.Lock()
	seq := l.lastSeqLocked(uint64(logID)) + 1

	b := l.db.NewBatch()
	if err := b.Set(keyEntry(uint64(logID), seq), encodeRecord(topic, payload), nil); err != nil {
		b.Close()
		l.mu.Unlock()
		return 0, err
	}
	var metaBuf [8]byte
	binary.BigEndian.PutUint64(metaBuf[:], seq)
	if err := b.Set(keyMeta(uint64(logID)), metaBuf[:], nil); err != nil {
		b.Close()
		l.mu.Unlock()
		return 0, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.lastSeq[uint64(logID)] = seq
	l.wakeLocked(uint64(logID))
	l.mu.Unlock()
	return topicuuid.SequenceNumber(seq), nil
}

// Open starts (or repositions) a reader for logID under readerID. A
// tailing goroutine this same readerID already runs on the log is
// cancelled first; other readers' tails on the log keep running.
func (l *Log) Open(ctx context.Context, logID topicuuid.LogID, seqno topicuuid.SequenceNumber, readerID logtailer.ReaderID, firstOpen bool) error {
	key := readerKey{logID: uint64(logID), readerID: readerID}
	l.mu.Lock()
	if cancelPrev, ok := l.readers[key]; ok {
		cancelPrev()
	}
	tailCtx, cancel := context.WithCancel(context.Background())
	l.readers[key] = cancel
	l.mu.Unlock()

	go l.tail(tailCtx, logID, uint64(seqno), readerID)
	return nil
}

// Stop releases readerID's hold on logID. Idempotent: a Stop for a
// readerID that does not hold the log is a no-op.
func (l *Log) Stop(ctx context.Context, logID topicuuid.LogID, readerID logtailer.ReaderID) error {
	key := readerKey{logID: uint64(logID), readerID: readerID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.readers[key]; ok {
		cancel()
		delete(l.readers, key)
	}
	return nil
}

// FindLatestSeqno resolves on a fresh goroutine, matching the contract
// that callbacks never run on the caller's goroutine.
func (l *Log) FindLatestSeqno(logID topicuuid.LogID, cb logtailer.FindLatestSeqnoCallback) error {
	go func() {
		l.mu.Lock()
		next := l.lastSeqLocked(uint64(logID)) + 1
		l.mu.Unlock()
		cb(topicuuid.SequenceNumber(next), nil)
	}()
	return nil
}

func (l *Log) CanSubscribePastEnd() bool { return l.pastEndOK }

// lastSeqLocked returns the last assigned sequence number for logID,
// lazily loading it from the meta key on first access so a Log built
// over an existing database picks up where a prior process left off.
// Callers must hold l.mu.
func (l *Log) lastSeqLocked(logID uint64) uint64 {
	if seq, ok := l.lastSeq[logID]; ok {
		return seq
	}
	var seq uint64
	if b, err := l.db.Get(keyMeta(logID)); err == nil && len(b) >= 8 {
		seq = binary.BigEndian.Uint64(b)
	}
	l.lastSeq[logID] = seq
	return seq
}

func (l *Log) waitChanLocked(logID uint64) chan struct{} {
	ch, ok := l.notify[logID]
	if !ok {
		ch = make(chan struct{})
		l.notify[logID] = ch
	}
	return ch
}

func (l *Log) wakeLocked(logID uint64) {
	if ch, ok := l.notify[logID]; ok {
		close(ch)
	}
	delete(l.notify, logID)
}
