package tailer

import (
	"context"
	"testing"

	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

type nullSink struct{}

func (nullSink) OnRecord(logtailer.Record) {}
func (nullSink) OnGap(logtailer.Gap)       {}

func TestStartReadingFirstOpenReseeks(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topic := topicuuid.New("ns", "a")

	if err := r.StartReading(context.Background(), topic, 1, 10); err != nil {
		t.Fatalf("StartReading: %v", err)
	}
	calls := fake.OpenCalls()
	if len(calls) != 1 || !calls[0].FirstOpen || calls[0].Seqno != 10 {
		t.Fatalf("unexpected open calls: %+v", calls)
	}
}

func TestStartReadingNoRewindWhenNotYetReached(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topicA := topicuuid.New("ns", "a")
	topicB := topicuuid.New("ns", "b")

	if err := r.StartReading(context.Background(), topicA, 1, 10); err != nil {
		t.Fatalf("StartReading a: %v", err)
	}
	// Reader is at last_read=9. New subscription for topic b at seqno 50,
	// which is ahead of last_read, should not reseek.
	if err := r.StartReading(context.Background(), topicB, 1, 50); err != nil {
		t.Fatalf("StartReading b: %v", err)
	}
	if len(fake.OpenCalls()) != 1 {
		t.Fatalf("expected no additional Open call, got %+v", fake.OpenCalls())
	}
}

func TestStartReadingRewindsWhenAlreadyPassed(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topicA := topicuuid.New("ns", "a")
	topicB := topicuuid.New("ns", "b")

	if err := r.StartReading(context.Background(), topicA, 1, 500); err != nil {
		t.Fatalf("StartReading a: %v", err)
	}
	// Advance last_read to 500 via ProcessRecord.
	if _, err := r.ProcessRecord(1, 500, topicA); err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	// New subscription at 100, which is behind last_read (500): must rewind.
	if err := r.StartReading(context.Background(), topicB, 1, 100); err != nil {
		t.Fatalf("StartReading b: %v", err)
	}
	calls := fake.OpenCalls()
	if len(calls) != 2 || calls[1].FirstOpen || calls[1].Seqno != 100 {
		t.Fatalf("expected rewind open at 100, got %+v", calls)
	}
}

func TestProcessRecordOutOfOrderDropped(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topic := topicuuid.New("ns", "a")
	if err := r.StartReading(context.Background(), topic, 1, 10); err != nil {
		t.Fatalf("StartReading: %v", err)
	}
	if _, err := r.ProcessRecord(1, 12, topic); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for out-of-order record, got %v", err)
	}
}

func TestProcessRecordFirstSightingReturnsZero(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topic := topicuuid.New("ns", "a")
	if err := r.StartReading(context.Background(), topic, 1, 10); err != nil {
		t.Fatalf("StartReading: %v", err)
	}
	// "b" was never passed to StartReading, so record 10 is its first
	// sighting on this log.
	prev, err := r.ProcessRecord(1, 10, topicuuid.New("ns", "b"))
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if prev != 0 {
		t.Fatalf("prev = %d, want 0", prev)
	}
	prev, err = r.ProcessRecord(1, 11, topic)
	if err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	if prev != 10 {
		t.Fatalf("prev = %d, want 10 (topic's NextSeqno from StartReading)", prev)
	}
}

func TestFlushHistoryKeepsTopics(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topic := topicuuid.New("ns", "a")
	if err := r.StartReading(context.Background(), topic, 1, 10); err != nil {
		t.Fatalf("StartReading: %v", err)
	}
	if _, err := r.ProcessRecord(1, 10, topic); err != nil {
		t.Fatalf("ProcessRecord: %v", err)
	}
	// A gap handler advances the topic's NextSeqno past the lost range
	// (mirroring ProcessGap) before FlushHistory resets the log position;
	// the topic must still be present going in.
	if _, ok := r.logs[1].Topics.Get(topic); !ok {
		t.Fatalf("expected topic present before flush")
	}
	r.FlushHistory(1, 81)
	logState := r.logs[1]
	if logState.Topics.Len() != 1 {
		t.Fatalf("expected topic map preserved across FlushHistory, got %d entries", logState.Topics.Len())
	}
	if logState.StartSeqno != 81 || logState.LastRead != 80 {
		t.Fatalf("unexpected log state after flush: %+v", logState)
	}
}

func TestBumpLaggingSubscriptions(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	t1 := topicuuid.New("ns", "t1")
	t2 := topicuuid.New("ns", "t2")
	if err := r.StartReading(context.Background(), t1, 1, 100); err != nil {
		t.Fatalf("StartReading t1: %v", err)
	}
	if err := r.StartReading(context.Background(), t2, 1, 100); err != nil {
		t.Fatalf("StartReading t2: %v", err)
	}
	// Advance the log to 200 via t2 records without touching t1.
	for seqno := topicuuid.SequenceNumber(100); seqno <= 200; seqno++ {
		if _, err := r.ProcessRecord(1, seqno, t2); err != nil {
			t.Fatalf("ProcessRecord %d: %v", seqno, err)
		}
	}

	var bumped []topicuuid.TopicUUID
	r.BumpLaggingSubscriptions(1, 201, func(topic topicuuid.TopicUUID, bumpSeqno topicuuid.SequenceNumber) {
		bumped = append(bumped, topic)
		if topic != t1 || bumpSeqno != 100 {
			t.Fatalf("unexpected bump: topic=%v seqno=%d", topic, bumpSeqno)
		}
	})
	if len(bumped) != 1 {
		t.Fatalf("expected exactly one bumped topic, got %v", bumped)
	}
}

func TestSubscriptionCostRules(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	r := NewPhysicalReader(1, fake, 100)
	topic := topicuuid.New("ns", "a")

	if got := r.SubscriptionCost(topic, 1, 50); got != CostStart {
		t.Fatalf("cost for unopened log = %d, want CostStart", got)
	}

	if err := r.StartReading(context.Background(), topic, 1, 100); err != nil {
		t.Fatalf("StartReading: %v", err)
	}
	if got := r.SubscriptionCost(topic, 1, 150); got != 51 {
		t.Fatalf("cost ahead of last_read = %d, want 51", got)
	}
	other := topicuuid.New("ns", "other")
	if got := r.SubscriptionCost(other, 1, 50); got != CostRewind {
		t.Fatalf("cost for unknown topic behind last_read = %d, want CostRewind", got)
	}
}

func TestMergeIntoTakesMinNextSeqno(t *testing.T) {
	fake := logtailer.NewFake(nullSink{}, true)
	src := NewPhysicalReader(1, fake, 100)
	dst := NewPhysicalReader(2, fake, 100)
	topic := topicuuid.New("ns", "a")
	shared := topicuuid.New("ns", "shared")

	ctx := context.Background()
	if err := src.StartReading(ctx, topic, 1, 500); err != nil {
		t.Fatalf("src StartReading: %v", err)
	}
	if err := src.StartReading(ctx, shared, 1, 500); err != nil {
		t.Fatalf("src StartReading shared: %v", err)
	}
	if err := dst.StartReading(ctx, shared, 1, 500); err != nil {
		t.Fatalf("dst StartReading shared: %v", err)
	}
	// Advance both to the same last_read so CanMergeInto holds.
	if _, err := src.ProcessRecord(1, 500, topic); err != nil {
		t.Fatalf("src ProcessRecord: %v", err)
	}
	if _, err := dst.ProcessRecord(1, 500, shared); err != nil {
		t.Fatalf("dst ProcessRecord: %v", err)
	}

	if !src.CanMergeInto(dst, 1) {
		t.Fatalf("expected CanMergeInto to hold")
	}
	if err := src.MergeInto(ctx, dst, 1); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}
	if src.IsLogOpen(1) {
		t.Fatalf("expected src to have released log 1")
	}
	if !dst.IsLogOpen(1) {
		t.Fatalf("expected dst to still hold log 1")
	}
	// dst had advanced shared to 501; src still had it at 500.
	if ts, ok := dst.logs[1].Topics.Get(shared); !ok || ts.NextSeqno != 500 {
		t.Fatalf("expected merged shared NextSeqno to take src's lower 500, got %+v", ts)
	}
}
