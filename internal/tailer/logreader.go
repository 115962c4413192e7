package tailer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/orderedmap"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Cost constants for SubscriptionCost (spec.md §4.4, §6). CostRewind is
// effectively infinite: no candidate reader is ever chosen over a
// genuinely free one when a rewind is the alternative.
const (
	CostStart  uint64 = 1000
	CostRewind uint64 = math.MaxUint64
)

// ErrNotFound mirrors spec.md §7: dropped/out-of-order events and
// lookups against state that doesn't exist report this, recovered
// locally by the caller rather than propagated as a hard failure.
var ErrNotFound = errors.New("tailer: not found")

// TopicState is a LogReader's last-known position for one topic on one
// log (spec.md §3's TopicState).
type TopicState struct {
	NextSeqno topicuuid.SequenceNumber
}

// LogState is a LogReader's per-log bookkeeping (spec.md §3's LogState).
// Topics is kept in an insertion/access order so the front entry is
// always the least-recently-advanced topic, the O(1) candidate for a lag
// bump.
type LogState struct {
	StartSeqno topicuuid.SequenceNumber
	LastRead   topicuuid.SequenceNumber
	Topics     *orderedmap.Map[topicuuid.TopicUUID, *TopicState]
}

// LogReader is one physical reader (backed by a logtailer.LogTailer
// reader id) or one virtual "pending" reader (readerID == 0, store ==
// nil) that holds subscription state for logs with no store-side
// resource. Not safe for concurrent use: all mutating operations run on
// a single room goroutine (spec.md §5).
type LogReader struct {
	readerID logtailer.ReaderID
	virtual  bool
	store    logtailer.LogTailer // nil for the virtual reader
	maxLag   int64

	logs map[topicuuid.LogID]*LogState
}

// NewPhysicalReader constructs a reader backed by store under readerID.
func NewPhysicalReader(readerID logtailer.ReaderID, store logtailer.LogTailer, maxLag int64) *LogReader {
	return &LogReader{
		readerID: readerID,
		store:    store,
		maxLag:   maxLag,
		logs:     make(map[topicuuid.LogID]*LogState),
	}
}

// NewVirtualReader constructs the single "pending" reader that parks
// subscriptions with no store-side resource (spec.md §3, §4.6).
func NewVirtualReader(maxLag int64) *LogReader {
	return &LogReader{
		virtual: true,
		maxLag:  maxLag,
		logs:    make(map[topicuuid.LogID]*LogState),
	}
}

func (r *LogReader) IsVirtual() bool               { return r.virtual }
func (r *LogReader) ReaderID() logtailer.ReaderID   { return r.readerID }
func (r *LogReader) IsLogOpen(logID topicuuid.LogID) bool {
	_, ok := r.logs[logID]
	return ok
}

// ProcessRecord advances state for a delivered record (spec.md §4.4).
// Returns the subscriber-visible previous seqno: 0 if this is the first
// sighting of topic on this log, otherwise the topic's prior NextSeqno.
func (r *LogReader) ProcessRecord(logID topicuuid.LogID, seqno topicuuid.SequenceNumber, topic topicuuid.TopicUUID) (topicuuid.SequenceNumber, error) {
	logState, ok := r.logs[logID]
	if !ok {
		return 0, ErrNotFound
	}
	if seqno != logState.LastRead+1 {
		return 0, ErrNotFound
	}
	logState.LastRead = seqno

	ts, exists := logState.Topics.Get(topic)
	if !exists {
		return 0, nil
	}
	prev := ts.NextSeqno
	ts.NextSeqno = seqno + 1
	logState.Topics.MoveToBack(topic)
	return prev, nil
}

// ValidateGap checks a gap arrives in order without mutating state.
func (r *LogReader) ValidateGap(logID topicuuid.LogID, from topicuuid.SequenceNumber) error {
	logState, ok := r.logs[logID]
	if !ok {
		return ErrNotFound
	}
	if from != logState.LastRead+1 {
		return ErrNotFound
	}
	return nil
}

// ProcessGap advances one topic's state across a validated gap range,
// analogous to ProcessRecord but keyed on [from, to]. Callers iterate
// topics and call this per affected topic before advancing LastRead via
// ProcessBenignGap/FlushHistory.
func (r *LogReader) ProcessGap(logID topicuuid.LogID, topic topicuuid.TopicUUID, to topicuuid.SequenceNumber) topicuuid.SequenceNumber {
	logState, ok := r.logs[logID]
	if !ok {
		return 0
	}
	ts, exists := logState.Topics.Get(topic)
	if !exists {
		return 0
	}
	prev := ts.NextSeqno
	ts.NextSeqno = to + 1
	logState.Topics.MoveToBack(topic)
	return prev
}

// ProcessBenignGap advances the reader's log-level position across an
// information-preserving gap.
func (r *LogReader) ProcessBenignGap(logID topicuuid.LogID, to topicuuid.SequenceNumber) {
	if logState, ok := r.logs[logID]; ok {
		logState.LastRead = to
	}
}

// FlushHistory resets a reader's log-level position after a malignant
// gap. The per-topic map is left untouched: ProcessGap has already
// advanced every topic's NextSeqno past the lost range before this is
// called, so the map already reflects the reader's correct knowledge —
// wiping it would make the next record look like a first sighting and
// stop delivery to every subscriber on the log.
func (r *LogReader) FlushHistory(logID topicuuid.LogID, seqno topicuuid.SequenceNumber) {
	logState, ok := r.logs[logID]
	if !ok {
		return
	}
	logState.StartSeqno = seqno
	logState.LastRead = seqno - 1
}

// BumpLaggingSubscriptions advances any topic whose NextSeqno has fallen
// more than maxLag behind currentSeqno, invoking onBump once per bumped
// topic before moving it to the back of the order (spec.md §4.4). Stops
// at the first non-lagging topic, so the cost is O(k) bumped topics, not
// O(n) subscribed topics.
func (r *LogReader) BumpLaggingSubscriptions(logID topicuuid.LogID, currentSeqno topicuuid.SequenceNumber, onBump func(topic topicuuid.TopicUUID, bumpSeqno topicuuid.SequenceNumber)) {
	logState, ok := r.logs[logID]
	if !ok {
		return
	}
	for {
		topic, ts, ok := logState.Topics.Front()
		if !ok {
			return
		}
		if int64(ts.NextSeqno)+r.maxLag >= int64(currentSeqno) {
			return
		}
		bumpSeqno := ts.NextSeqno
		onBump(topic, bumpSeqno)
		logState.Topics.MoveToBack(topic)
		ts.NextSeqno = currentSeqno + 1
	}
}

// StartReading opens or rewinds the reader onto topic at seqno for
// logID, per the reseek rules of spec.md §4.4: a log this reader does
// not hold yet is always opened at seqno. On a log it already holds, a
// newly inserted topic, or an existing topic whose requested seqno is
// older than its NextSeqno, reseeks only if the reader has already read
// past that point (seqno <= LastRead); a seqno the reader has not
// reached yet is caught up naturally and needs no rewind.
func (r *LogReader) StartReading(ctx context.Context, topic topicuuid.TopicUUID, logID topicuuid.LogID, seqno topicuuid.SequenceNumber) error {
	logState, exists := r.logs[logID]
	firstOpen := !exists
	if firstOpen {
		logState = &LogState{
			StartSeqno: seqno,
			LastRead:   seqno - 1,
			Topics:     orderedmap.New[topicuuid.TopicUUID, *TopicState](),
		}
	}

	reseek := false
	ts, exists := logState.Topics.Get(topic)
	if !exists {
		logState.Topics.PushFront(topic, &TopicState{NextSeqno: seqno})
		reseek = true
	} else {
		reseek = seqno < ts.NextSeqno
		if seqno < ts.NextSeqno {
			ts.NextSeqno = seqno
		}
		logState.Topics.MoveToFront(topic)
	}

	if !firstOpen && reseek {
		// No need to reseek if the reader hasn't reached this seqno yet.
		reseek = seqno <= logState.LastRead
	}

	if reseek {
		if !r.virtual {
			if err := r.store.Open(ctx, logID, seqno, r.readerID, firstOpen); err != nil {
				if firstOpen {
					// Never committed; don't leave partial state behind.
					return fmt.Errorf("tailer: open log %d: %w", logID, err)
				}
				return fmt.Errorf("tailer: reseek log %d: %w", logID, err)
			}
		}
		logState.StartSeqno = min(logState.StartSeqno, seqno)
		logState.LastRead = seqno - 1
	}

	r.logs[logID] = logState
	return nil
}

// StopReading removes topic from logID's subscription state; once the
// log has no more subscribed topics, the underlying store reader (if
// physical) is released and the log's state is dropped entirely.
func (r *LogReader) StopReading(ctx context.Context, topic topicuuid.TopicUUID, logID topicuuid.LogID) error {
	logState, ok := r.logs[logID]
	if !ok {
		return nil
	}
	if _, exists := logState.Topics.Get(topic); !exists {
		return nil
	}
	logState.Topics.Delete(topic)

	if logState.Topics.Len() == 0 {
		if !r.virtual {
			if err := r.store.Stop(ctx, logID, r.readerID); err != nil {
				return fmt.Errorf("tailer: stop log %d: %w", logID, err)
			}
		}
		delete(r.logs, logID)
	}
	return nil
}

// SubscriptionCost estimates the cost of routing a new subscription at
// seqno for topic to this reader (spec.md §4.4, §6).
func (r *LogReader) SubscriptionCost(topic topicuuid.TopicUUID, logID topicuuid.LogID, seqno topicuuid.SequenceNumber) uint64 {
	logState, ok := r.logs[logID]
	if !ok {
		return CostStart
	}
	if logState.LastRead < seqno {
		return uint64(seqno - logState.LastRead)
	}
	ts, exists := logState.Topics.Get(topic)
	if !exists {
		return CostRewind
	}
	if seqno < ts.NextSeqno {
		return CostRewind
	}
	return 0
}

// CanMergeInto reports whether this reader can be merged into other on
// logID: both must physically hold the log open at the same LastRead.
func (r *LogReader) CanMergeInto(other *LogReader, logID topicuuid.LogID) bool {
	src, ok := r.logs[logID]
	if !ok {
		return false
	}
	dst, ok := other.logs[logID]
	if !ok {
		return false
	}
	return dst.LastRead == src.LastRead
}

// MergeInto folds this reader's topic state for logID into other
// (taking the min NextSeqno per topic), releases this reader's hold on
// the log, and drops the log from this reader's state entirely.
func (r *LogReader) MergeInto(ctx context.Context, other *LogReader, logID topicuuid.LogID) error {
	src, ok := r.logs[logID]
	if !ok {
		return fmt.Errorf("tailer: merge: log %d not open on source reader", logID)
	}
	dst, ok := other.logs[logID]
	if !ok {
		return fmt.Errorf("tailer: merge: log %d not open on destination reader", logID)
	}

	src.Topics.Each(func(topic topicuuid.TopicUUID, srcTS *TopicState) {
		if dstTS, exists := dst.Topics.Get(topic); exists {
			if srcTS.NextSeqno < dstTS.NextSeqno {
				dstTS.NextSeqno = srcTS.NextSeqno
			}
		} else {
			dst.Topics.PushBack(topic, &TopicState{NextSeqno: srcTS.NextSeqno})
		}
	})

	delete(r.logs, logID)
	if err := r.store.Stop(ctx, logID, r.readerID); err != nil {
		return fmt.Errorf("tailer: stop log %d after merge: %w", logID, err)
	}
	return nil
}

// StealLogSubscriptions adopts the virtual reader's parked subscriptions
// for logID: this reader (physical, not currently open on logID) opens
// the log at the virtual reader's StartSeqno and takes over its state.
func (r *LogReader) StealLogSubscriptions(ctx context.Context, virtual *LogReader, logID topicuuid.LogID) error {
	logState, ok := virtual.logs[logID]
	if !ok {
		return fmt.Errorf("tailer: steal: log %d not open on virtual reader", logID)
	}
	if err := r.store.Open(ctx, logID, logState.StartSeqno, r.readerID, true); err != nil {
		return fmt.Errorf("tailer: steal open log %d: %w", logID, err)
	}
	r.logs[logID] = logState
	delete(virtual.logs, logID)
	return nil
}

// GetLogInfo produces the same human-readable per-reader summary line
// the original LogReader::GetLogInfo prints.
func (r *LogReader) GetLogInfo(logID topicuuid.LogID) string {
	logState, ok := r.logs[logID]
	if !ok {
		return fmt.Sprintf("Log(%d).reader[%d] not currently reading\n", logID, r.readerID)
	}
	return fmt.Sprintf(
		"Log(%d).reader[%d].start_seqno: %d\n"+
			"Log(%d).reader[%d].last_read: %d\n"+
			"Log(%d).reader[%d].num_topics_subscribed: %d\n",
		logID, r.readerID, logState.StartSeqno,
		logID, r.readerID, logState.LastRead,
		logID, r.readerID, logState.Topics.Len(),
	)
}

