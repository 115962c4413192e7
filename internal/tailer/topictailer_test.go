package tailer

import (
	"context"
	"testing"

	"github.com/rocketspeed-io/towercore/internal/datacache"
	"github.com/rocketspeed-io/towercore/internal/logrouter"
	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	"github.com/rocketspeed-io/towercore/pkg/log"
)

// roomAdapter stands in for the Room: it receives store callbacks and
// re-enters the TopicTailer directly (tests don't need a real Forward
// queue, just its end effect).
type roomAdapter struct {
	tt *TopicTailer
}

func (r *roomAdapter) OnRecord(rec logtailer.Record) { _ = r.tt.SendLogRecord(context.Background(), rec) }
func (r *roomAdapter) OnGap(g logtailer.Gap)          { _ = r.tt.SendGapRecord(context.Background(), g) }

type deliverCall struct {
	msg        DeliverMessage
	recipients []topicuuid.CopilotSub
}

type gapCall struct {
	msg        GapMessage
	recipients []topicuuid.CopilotSub
}

type recorder struct {
	delivers []deliverCall
	gaps     []gapCall
}

func (r *recorder) OnDeliver(msg DeliverMessage, recipients []topicuuid.CopilotSub) {
	r.delivers = append(r.delivers, deliverCall{msg, append([]topicuuid.CopilotSub{}, recipients...)})
}

func (r *recorder) OnGap(msg GapMessage, recipients []topicuuid.CopilotSub) {
	r.gaps = append(r.gaps, gapCall{msg, append([]topicuuid.CopilotSub{}, recipients...)})
}

func newHarness(t *testing.T, numLogs uint64, cache *datacache.Cache) (*TopicTailer, *logtailer.Fake, *recorder, *logrouter.Router) {
	t.Helper()
	router, err := logrouter.New(1, topicuuid.LogID(numLogs))
	if err != nil {
		t.Fatalf("logrouter.New: %v", err)
	}
	adapter := &roomAdapter{}
	fake := logtailer.NewFake(adapter, true)
	rec := &recorder{}
	logger := log.NewLogger(log.WithLevel(log.ErrorLevel))
	tt := NewTopicTailer(logger, router, fake, cache, rec, []logtailer.ReaderID{1, 2}, 100, nil)
	adapter.tt = tt
	return tt, fake, rec, router
}

func TestBasicFanOut(t *testing.T) {
	tt, fake, rec, router := newHarness(t, 100, nil)
	ctx := context.Background()
	topic := topicuuid.New("n", "a")
	logID := router.LogID(topic)
	sub := topicuuid.CopilotSub{StreamID: 1, SubID: 1}

	if err := tt.AddSubscriber(ctx, topic, 10, sub, ""); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	for _, seqno := range []topicuuid.SequenceNumber{10, 11, 12} {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: topic, Payload: []byte("x"), ReaderID: 1})
	}

	if len(rec.delivers) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %+v", len(rec.delivers), rec.delivers)
	}
	want := [][2]topicuuid.SequenceNumber{{10, 10}, {11, 11}, {12, 12}}
	for i, d := range rec.delivers {
		if d.msg.PrevSeqno != want[i][0] || d.msg.CurSeqno != want[i][1] {
			t.Fatalf("delivery %d stamp = (%d,%d), want (%d,%d)", i, d.msg.PrevSeqno, d.msg.CurSeqno, want[i][0], want[i][1])
		}
		if len(d.recipients) != 1 || d.recipients[0] != sub {
			t.Fatalf("delivery %d recipients = %+v, want [%v]", i, d.recipients, sub)
		}
	}
}

func TestLateSubscriberCacheHit(t *testing.T) {
	cache := datacache.New(1<<20, false)
	// Force every topic onto the same single log so a reader opened for
	// one topic also carries records for the other.
	tt, fake, rec, router := newHarness(t, 1, cache)
	ctx := context.Background()
	dummy := topicuuid.New("n", "dummy")
	topicB := topicuuid.New("n", "b")
	logID := router.LogID(dummy)

	// Open the log via an unrelated subscription so records for "b" flow
	// through even though nobody has subscribed to "b" yet.
	if err := tt.AddSubscriber(ctx, dummy, 5, topicuuid.CopilotSub{StreamID: 9, SubID: 9}, ""); err != nil {
		t.Fatalf("AddSubscriber dummy: %v", err)
	}
	for _, seqno := range []topicuuid.SequenceNumber{5, 6, 7} {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: topicB, Payload: []byte("y"), ReaderID: 1})
	}
	if len(rec.delivers) != 0 {
		t.Fatalf("expected no deliveries before subscribing to b, got %+v", rec.delivers)
	}

	sub := topicuuid.CopilotSub{StreamID: 1, SubID: 1}
	if err := tt.AddSubscriber(ctx, topicB, 5, sub, ""); err != nil {
		t.Fatalf("AddSubscriber b: %v", err)
	}

	if len(rec.delivers) != 3 {
		t.Fatalf("expected 3 cache-replayed deliveries, got %d: %+v", len(rec.delivers), rec.delivers)
	}
	for i, want := range []topicuuid.SequenceNumber{5, 6, 7} {
		if rec.delivers[i].msg.CurSeqno != want {
			t.Fatalf("delivery %d cur = %d, want %d", i, rec.delivers[i].msg.CurSeqno, want)
		}
	}
	// No second physical reader should have opened the log: reader 1
	// already held it at last_read=7, one short of the new subscription at
	// 8, so it reaches 8 without a rewind.
	opens := fake.OpenCalls()
	for _, oc := range opens {
		if oc.ReaderID == 2 {
			t.Fatalf("expected reader 2 to stay idle, got open call %+v", oc)
		}
	}
}

func TestLagBump(t *testing.T) {
	tt, fake, rec, router := newHarness(t, 1, nil)
	ctx := context.Background()
	t1 := topicuuid.New("n", "t1")
	t2 := topicuuid.New("n", "t2")
	logID := router.LogID(t1)
	subA := topicuuid.CopilotSub{StreamID: 1, SubID: 1}
	subB := topicuuid.CopilotSub{StreamID: 2, SubID: 1}

	if err := tt.AddSubscriber(ctx, t1, 100, subA, ""); err != nil {
		t.Fatalf("AddSubscriber t1: %v", err)
	}
	if err := tt.AddSubscriber(ctx, t2, 100, subB, ""); err != nil {
		t.Fatalf("AddSubscriber t2: %v", err)
	}
	for seqno := topicuuid.SequenceNumber(100); seqno <= 201; seqno++ {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: t2, Payload: []byte("z"), ReaderID: 1})
	}

	if len(rec.gaps) != 1 {
		t.Fatalf("expected exactly one bump gap, got %d: %+v", len(rec.gaps), rec.gaps)
	}
	g := rec.gaps[0]
	if g.msg.Topic != t1 || g.msg.Type != topicuuid.GapBenign || g.msg.From != 100 || g.msg.To != 201 {
		t.Fatalf("unexpected bump gap: %+v", g.msg)
	}
	if len(g.recipients) != 1 || g.recipients[0] != subA {
		t.Fatalf("unexpected bump recipients: %+v", g.recipients)
	}

	// Further t2 records must not bump A again.
	before := len(rec.gaps)
	fake.Deliver(logtailer.Record{LogID: logID, Seqno: 202, Topic: t2, Payload: []byte("z"), ReaderID: 1})
	if len(rec.gaps) != before {
		t.Fatalf("expected no further bump, got %+v", rec.gaps[before:])
	}
}

func TestMalignantGap(t *testing.T) {
	tt, fake, rec, router := newHarness(t, 1, nil)
	ctx := context.Background()
	t1 := topicuuid.New("n", "t1")
	t2 := topicuuid.New("n", "t2")
	logID := router.LogID(t1)
	subA := topicuuid.CopilotSub{StreamID: 1, SubID: 1}
	subB := topicuuid.CopilotSub{StreamID: 2, SubID: 1}

	if err := tt.AddSubscriber(ctx, t1, 50, subA, ""); err != nil {
		t.Fatalf("AddSubscriber t1: %v", err)
	}
	if err := tt.AddSubscriber(ctx, t2, 50, subB, ""); err != nil {
		t.Fatalf("AddSubscriber t2: %v", err)
	}

	fake.DeliverGap(logtailer.Gap{LogID: logID, Type: topicuuid.GapDataLoss, From: 50, To: 80, ReaderID: 1})

	if len(rec.gaps) != 2 {
		t.Fatalf("expected 2 gap deliveries (one per topic), got %d: %+v", len(rec.gaps), rec.gaps)
	}
	for _, g := range rec.gaps {
		if g.msg.Type != topicuuid.GapDataLoss || g.msg.To != 80 {
			t.Fatalf("unexpected gap: %+v", g.msg)
		}
	}

	// Record 81 on t1 must deliver correctly after the flush.
	fake.Deliver(logtailer.Record{LogID: logID, Seqno: 81, Topic: t1, Payload: []byte("r"), ReaderID: 1})
	if len(rec.delivers) != 1 || rec.delivers[0].msg.CurSeqno != 81 {
		t.Fatalf("expected record 81 delivered after malignant gap, got %+v", rec.delivers)
	}
}

func TestRemoveSubscriberKeepsColocatedTopic(t *testing.T) {
	tt, fake, rec, router := newHarness(t, 1, nil)
	ctx := context.Background()
	t1 := topicuuid.New("n", "t1")
	t2 := topicuuid.New("n", "t2")
	logID := router.LogID(t1)
	if router.LogID(t2) != logID {
		t.Fatalf("expected t1 and t2 to share a log with numLogs=1")
	}
	subA := topicuuid.CopilotSub{StreamID: 1, SubID: 1}
	subB := topicuuid.CopilotSub{StreamID: 2, SubID: 1}

	if err := tt.AddSubscriber(ctx, t1, 10, subA, ""); err != nil {
		t.Fatalf("AddSubscriber t1: %v", err)
	}
	if err := tt.AddSubscriber(ctx, t2, 10, subB, ""); err != nil {
		t.Fatalf("AddSubscriber t2: %v", err)
	}

	if err := tt.RemoveSubscriber(ctx, subA); err != nil {
		t.Fatalf("RemoveSubscriber: %v", err)
	}
	if !fake.IsOpen(logID) {
		t.Fatalf("expected log to stay open: t2 still has a subscriber")
	}

	fake.Deliver(logtailer.Record{LogID: logID, Seqno: 10, Topic: t2, Payload: []byte("x"), ReaderID: 1})
	if len(rec.delivers) != 1 || rec.delivers[0].recipients[0] != subB {
		t.Fatalf("expected t2's record delivered to subB after t1 unsubscribed, got %+v", rec.delivers)
	}
}

func TestMassUnsubscribe(t *testing.T) {
	tt, fake, _, router := newHarness(t, 50, nil)
	ctx := context.Background()
	stream := topicuuid.StreamID(7)

	var logIDs []topicuuid.LogID
	for i := 0; i < 5; i++ {
		topic := topicuuid.New("n", string(rune('a'+i)))
		logIDs = append(logIDs, router.LogID(topic))
		sub := topicuuid.CopilotSub{StreamID: stream, SubID: topicuuid.SubscriptionID(i)}
		if err := tt.AddSubscriber(ctx, topic, 10, sub, ""); err != nil {
			t.Fatalf("AddSubscriber %d: %v", i, err)
		}
	}
	openBefore := len(fake.OpenCalls())
	if openBefore == 0 {
		t.Fatalf("expected at least one log opened")
	}

	if err := tt.RemoveSubscriberStream(ctx, stream); err != nil {
		t.Fatalf("RemoveSubscriberStream: %v", err)
	}

	for _, logID := range logIDs {
		if fake.IsOpen(logID) {
			t.Fatalf("expected log %d closed after mass unsubscribe", logID)
		}
	}
	if len(tt.topicManagers) != 0 {
		t.Fatalf("expected no topic managers left, got %d", len(tt.topicManagers))
	}
}

func TestReaderMergeThenStealsVirtual(t *testing.T) {
	tt, fake, _, router := newHarness(t, 1, nil)
	ctx := context.Background()
	shared := topicuuid.New("n", "shared")
	other := topicuuid.New("n", "other")
	parked := topicuuid.New("n", "parked")
	logID := router.LogID(shared)
	subShared := topicuuid.CopilotSub{StreamID: 1, SubID: 1}
	subOther := topicuuid.CopilotSub{StreamID: 2, SubID: 1}
	subParked := topicuuid.CopilotSub{StreamID: 3, SubID: 1}

	// Reader 1 takes "shared" from 500 (it's idle, cost 1000 beats the
	// virtual reader's infinite cost) and races ahead to 600.
	if err := tt.AddSubscriber(ctx, shared, 500, subShared, ""); err != nil {
		t.Fatalf("AddSubscriber shared: %v", err)
	}
	for seqno := topicuuid.SequenceNumber(500); seqno <= 600; seqno++ {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: shared, Payload: []byte("s"), ReaderID: 1})
	}

	// "other" at 550 is now behind reader 1's last_read (600) and unknown
	// to it, so reader 1's cost is COST_REWIND; reader 2, still fully
	// idle, wins at cost 1000 instead.
	if err := tt.AddSubscriber(ctx, other, 550, subOther, ""); err != nil {
		t.Fatalf("AddSubscriber other: %v", err)
	}
	if r := tt.findReader(2); r == nil || !r.IsLogOpen(logID) {
		t.Fatalf("expected reader 2 to have opened the log for other")
	}

	// Bring reader 1 to 700 and reader 2 to 699, one short of it, so the
	// two are not yet mergeable.
	for seqno := topicuuid.SequenceNumber(601); seqno <= 700; seqno++ {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: shared, Payload: []byte("s"), ReaderID: 1})
	}
	for seqno := topicuuid.SequenceNumber(550); seqno <= 699; seqno++ {
		fake.Deliver(logtailer.Record{LogID: logID, Seqno: seqno, Topic: other, Payload: []byte("o"), ReaderID: 2})
	}

	// A far-behind subscription now finds both physical readers already
	// past seqno 100 (COST_REWIND each), so it parks on the virtual
	// reader instead of rewinding either one.
	if err := tt.AddSubscriber(ctx, parked, 100, subParked, ""); err != nil {
		t.Fatalf("AddSubscriber parked: %v", err)
	}
	if !tt.pending.IsLogOpen(logID) {
		t.Fatalf("expected parked subscription to land on the virtual reader")
	}

	// One more record brings reader 2 to reader 1's last_read (700) and
	// triggers attempt_reader_merges: reader 2 merges into reader 1, then
	// steals the virtual's parked subscription, reopening the log at seqno
	// 100 — without ever rewinding reader 1, which is still serving live
	// subscribers at the old position.
	fake.Deliver(logtailer.Record{LogID: logID, Seqno: 700, Topic: other, Payload: []byte("o"), ReaderID: 2})

	r1 := tt.findReader(1)
	r2 := tt.findReader(2)
	if !r2.IsLogOpen(logID) {
		t.Fatalf("expected reader 2 to have stolen the parked subscription")
	}
	if r2.logs[logID].StartSeqno != 100 {
		t.Fatalf("expected reader 2 reopened at seqno 100, got %+v", r2.logs[logID])
	}
	if !r1.IsLogOpen(logID) {
		t.Fatalf("expected reader 1 to hold the merged log")
	}
	if tt.pending.IsLogOpen(logID) {
		t.Fatalf("expected the virtual reader to have released the log after the steal")
	}
}
