// Package logtailer defines the external contract the Control Tower core
// consumes from the log store (spec.md §4.2). The core never talks to a
// concrete store directly; internal/logstore/pebblelog provides the one
// real implementation this repo ships, and tests use an in-memory fake.
package logtailer

import (
	"context"

	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// ReaderID identifies one of the store-side reader resources a physical
// LogReader holds exclusively for its lifetime. Reader id 0 is reserved
// for the virtual "pending" reader and is never passed to the store.
type ReaderID uint64

// Record is one data record delivered by the store for a log.
type Record struct {
	LogID    topicuuid.LogID
	Seqno    topicuuid.SequenceNumber
	Topic    topicuuid.TopicUUID
	Payload  []byte
	ReaderID ReaderID
}

// Gap is a contiguous range of sequence numbers the store is reporting in
// place of records.
type Gap struct {
	LogID    topicuuid.LogID
	Type     topicuuid.GapType
	From     topicuuid.SequenceNumber
	To       topicuuid.SequenceNumber
	ReaderID ReaderID
}

// FindLatestSeqnoCallback is invoked on a storage worker thread (i.e. a
// goroutine the LogTailer implementation owns, not the room goroutine).
type FindLatestSeqnoCallback func(seqno topicuuid.SequenceNumber, err error)

// Sink receives the two event types the store emits. Implementations
// (the Room) must be safe to call from arbitrary storage-worker
// goroutines; they are expected to immediately re-post onto their own
// single-threaded event loop (the Forward queue) rather than mutate
// state inline.
type Sink interface {
	OnRecord(Record)
	OnGap(Gap)
}

// LogTailer is the external contract spec.md §4.2 requires: open a log
// under a reader id, optionally rewind it, stop it, and query the
// store's estimate of the next sequence number that will be written.
type LogTailer interface {
	// Open begins (or rewinds, when firstOpen is false) reading logID
	// from seqno under readerID. Records/gaps observed afterward are
	// delivered to the Sink registered at construction time.
	Open(ctx context.Context, logID topicuuid.LogID, seqno topicuuid.SequenceNumber, readerID ReaderID, firstOpen bool) error

	// Stop releases readerID's hold on logID. Idempotent.
	Stop(ctx context.Context, logID topicuuid.LogID, readerID ReaderID) error

	// FindLatestSeqno asynchronously resolves the next sequence number
	// that will be written to logID. cb is invoked on a storage worker
	// goroutine, never on the caller's goroutine.
	FindLatestSeqno(logID topicuuid.LogID, cb FindLatestSeqnoCallback) error

	// CanSubscribePastEnd reports whether Open accepts a seqno equal to
	// the next unwritten position (true) or requires backing off by one
	// to an existing record (false).
	CanSubscribePastEnd() bool
}
