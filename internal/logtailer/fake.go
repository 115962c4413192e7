package logtailer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Fake is an in-memory LogTailer for tests. It lets a test script append
// records and inject gaps directly, and delivers them to the registered
// Sink synchronously from the calling goroutine — tests that need to
// exercise the real storage-thread/room-thread boundary should instead
// drive the Room end to end; Fake is for exercising internal/tailer in
// isolation, the way a unit test drives a narrow contract rather than
// the full system.
type Fake struct {
	mu           sync.Mutex
	sink         Sink
	openReaders  map[topicuuid.LogID]map[ReaderID]bool
	nextSeqno    map[topicuuid.LogID]topicuuid.SequenceNumber
	pastEndOK    bool
	openCalls    []FakeOpenCall
	stopCalls    []FakeStopCall
	failOpenLogs map[topicuuid.LogID]bool
}

type FakeOpenCall struct {
	LogID     topicuuid.LogID
	Seqno     topicuuid.SequenceNumber
	ReaderID  ReaderID
	FirstOpen bool
}

type FakeStopCall struct {
	LogID    topicuuid.LogID
	ReaderID ReaderID
}

// NewFake constructs a Fake bound to sink. canSubscribePastEnd mirrors
// the real store capability flag from spec.md §4.2.
func NewFake(sink Sink, canSubscribePastEnd bool) *Fake {
	return &Fake{
		sink:         sink,
		openReaders:  make(map[topicuuid.LogID]map[ReaderID]bool),
		nextSeqno:    make(map[topicuuid.LogID]topicuuid.SequenceNumber),
		pastEndOK:    canSubscribePastEnd,
		failOpenLogs: make(map[topicuuid.LogID]bool),
	}
}

func (f *Fake) Open(ctx context.Context, logID topicuuid.LogID, seqno topicuuid.SequenceNumber, readerID ReaderID, firstOpen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpenLogs[logID] {
		return fmt.Errorf("logtailer: fake open failure injected for log %d", logID)
	}
	if f.openReaders[logID] == nil {
		f.openReaders[logID] = make(map[ReaderID]bool)
	}
	f.openReaders[logID][readerID] = true
	f.openCalls = append(f.openCalls, FakeOpenCall{LogID: logID, Seqno: seqno, ReaderID: readerID, FirstOpen: firstOpen})
	return nil
}

func (f *Fake) Stop(ctx context.Context, logID topicuuid.LogID, readerID ReaderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openReaders[logID], readerID)
	if len(f.openReaders[logID]) == 0 {
		delete(f.openReaders, logID)
	}
	f.stopCalls = append(f.stopCalls, FakeStopCall{LogID: logID, ReaderID: readerID})
	return nil
}

func (f *Fake) FindLatestSeqno(logID topicuuid.LogID, cb FindLatestSeqnoCallback) error {
	f.mu.Lock()
	seqno := f.nextSeqno[logID]
	f.mu.Unlock()
	cb(seqno, nil)
	return nil
}

func (f *Fake) CanSubscribePastEnd() bool { return f.pastEndOK }

// InjectFailure makes every later Open call for logID fail.
func (f *Fake) InjectFailure(logID topicuuid.LogID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOpenLogs[logID] = true
}

// Deliver pushes a record to the sink and advances the fake's tail
// estimate for the log, as a real store would after accepting a write.
func (f *Fake) Deliver(rec Record) {
	f.mu.Lock()
	if rec.Seqno+1 > f.nextSeqno[rec.LogID] {
		f.nextSeqno[rec.LogID] = rec.Seqno + 1
	}
	f.mu.Unlock()
	f.sink.OnRecord(rec)
}

// DeliverGap pushes a gap to the sink.
func (f *Fake) DeliverGap(gap Gap) {
	f.mu.Lock()
	if gap.To+1 > f.nextSeqno[gap.LogID] {
		f.nextSeqno[gap.LogID] = gap.To + 1
	}
	f.mu.Unlock()
	f.sink.OnGap(gap)
}

// OpenCalls returns a snapshot of all Open invocations observed so far.
func (f *Fake) OpenCalls() []FakeOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeOpenCall, len(f.openCalls))
	copy(out, f.openCalls)
	return out
}

// IsOpen reports whether logID currently has an open reader.
func (f *Fake) IsOpen(logID topicuuid.LogID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.openReaders[logID]) > 0
}
