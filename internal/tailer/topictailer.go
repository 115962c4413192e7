package tailer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rocketspeed-io/towercore/internal/datacache"
	"github.com/rocketspeed-io/towercore/internal/logrouter"
	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/subindex"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	"github.com/rocketspeed-io/towercore/pkg/log"
)

// DeliverMessage is one record handed to a topic's subscribers.
type DeliverMessage struct {
	Topic     topicuuid.TopicUUID
	PrevSeqno topicuuid.SequenceNumber
	CurSeqno  topicuuid.SequenceNumber
	Payload   []byte
}

// GapMessage reports a range of sequence numbers a subscriber did not, or
// will not, receive records for.
type GapMessage struct {
	Topic topicuuid.TopicUUID
	Type  topicuuid.GapType
	From  topicuuid.SequenceNumber
	To    topicuuid.SequenceNumber
}

// Sink is the downstream outgoing surface the room/Copilot side installs
// to receive fan-out. A single delivery may address multiple recipients
// on the same topic at once.
type Sink interface {
	OnDeliver(msg DeliverMessage, recipients []topicuuid.CopilotSub)
	OnGap(msg GapMessage, recipients []topicuuid.CopilotSub)
}

// Stats is the set of named counters the original topic_tailer.h exposes
// for operational visibility. Plain int64 fields, incremented only from
// the owning room goroutine — no atomics needed.
type Stats struct {
	LogRecordsReceived             int64
	LogRecordsReceivedPayloadSize  int64
	NewTailRecordsSent             int64
	TailRecordsReceived            int64
	BacklogRecordsReceived         int64
	LogRecordsWithSubscriptions    int64
	LogRecordsWithoutSubscriptions int64
	LogRecordsOutOfOrder           int64
	BumpedSubscriptions            int64
	GapRecordsReceived             int64
	GapRecordsOutOfOrder           int64
	GapRecordsWithSubscriptions    int64
	GapRecordsWithoutSubscriptions int64
	BenignGapsReceived             int64
	MalignantGapsReceived          int64
	AddSubscriberRequests          int64
	AddSubscriberRequestsAt0       int64
	AddSubscriberRequestsAt0Fast   int64
	AddSubscriberRequestsAt0Slow   int64
	UpdatedSubscriptions           int64
	RemoveSubscriberRequests       int64
	RecordsServedFromCache         int64
}

// TopicTailer is the orchestrator that turns a bounded pool of whole-log
// LogReaders into per-topic subscriptions. All exported methods assume
// they run on the single owning room goroutine (spec.md §5); crossing
// from a storage-worker goroutine into this goroutine is the caller's
// (Room's) job via forward.
type TopicTailer struct {
	logger log.Logger
	router *logrouter.Router
	store  logtailer.LogTailer
	cache  *datacache.Cache
	sink   Sink

	readers []*LogReader
	pending *LogReader

	topicManagers   map[topicuuid.LogID]*TopicManager
	tailSeqnoCached map[topicuuid.LogID]topicuuid.SequenceNumber
	subs            *subindex.Index
	filters         map[topicuuid.CopilotSub]Filter

	canSubscribePastEnd bool
	forward             func(func())

	Stats Stats
}

// NewTopicTailer constructs N physical LogReaders (one per reader id)
// plus the one virtual pending reader, and stores max_subscription_lag
// (spec.md §4.6 "initialize"). forward lets the asynchronous
// find_latest_seqno callback, which runs on a storage goroutine, re-enter
// the room; pass nil to run it inline (fine in tests, wrong for a real
// Room which must hand it through its bounded queue).
func NewTopicTailer(logger log.Logger, router *logrouter.Router, store logtailer.LogTailer, cache *datacache.Cache, sink Sink, readerIDs []logtailer.ReaderID, maxLag int64, forward func(func())) *TopicTailer {
	readers := make([]*LogReader, 0, len(readerIDs))
	for _, id := range readerIDs {
		readers = append(readers, NewPhysicalReader(id, store, maxLag))
	}
	if forward == nil {
		forward = func(fn func()) { fn() }
	}
	return &TopicTailer{
		logger:              logger.WithComponent("topic_tailer"),
		router:              router,
		store:               store,
		cache:               cache,
		sink:                sink,
		readers:             readers,
		pending:             NewVirtualReader(maxLag),
		topicManagers:       make(map[topicuuid.LogID]*TopicManager),
		tailSeqnoCached:     make(map[topicuuid.LogID]topicuuid.SequenceNumber),
		subs:                subindex.New(),
		filters:             make(map[topicuuid.CopilotSub]Filter),
		canSubscribePastEnd: store.CanSubscribePastEnd(),
		forward:             forward,
	}
}

// AddSubscriber implements spec.md §4.6's public add_subscriber.
// filterExpr, when non-empty, is a CEL predicate (internal/tailer/filter.go)
// narrowing which records on this topic this subscriber receives; it is
// a SPEC_FULL.md supplement with no equivalent in the distilled contract.
func (tt *TopicTailer) AddSubscriber(ctx context.Context, topic topicuuid.TopicUUID, start topicuuid.SequenceNumber, id topicuuid.CopilotSub, filterExpr string) error {
	tt.Stats.AddSubscriberRequests++
	if filterExpr != "" {
		f, err := NewFilter(filterExpr)
		if err != nil {
			return fmt.Errorf("tailer: compile filter for %s: %w", id, err)
		}
		tt.filters[id] = f
	}

	logID := tt.router.LogID(topic)
	if start != 0 {
		return tt.addSubscriberInternal(ctx, topic, id, logID, start)
	}

	tt.Stats.AddSubscriberRequestsAt0++
	if tail, ok := tt.tailSeqnoCached[logID]; ok {
		tt.Stats.AddSubscriberRequestsAt0Fast++
		return tt.addSubscriberInternal(ctx, topic, id, logID, tail)
	}

	tt.Stats.AddSubscriberRequestsAt0Slow++
	return tt.store.FindLatestSeqno(logID, func(seqno topicuuid.SequenceNumber, err error) {
		tt.forward(func() {
			if err != nil {
				tt.logger.Warn("find_latest_seqno failed", log.F("log_id", uint64(logID)), log.Err(err))
				return
			}
			if existing, ok := tt.tailSeqnoCached[logID]; !ok || seqno > existing {
				tt.tailSeqnoCached[logID] = seqno
			}
			if aerr := tt.addSubscriberInternal(ctx, topic, id, logID, tt.tailSeqnoCached[logID]); aerr != nil {
				tt.logger.Warn("add_tail_subscriber failed", log.F("log_id", uint64(logID)), log.Err(aerr))
			}
		})
	})
}

// addSubscriberInternal is spec.md §4.6's add_subscriber_internal.
func (tt *TopicTailer) addSubscriberInternal(ctx context.Context, topic topicuuid.TopicUUID, id topicuuid.CopilotSub, logID topicuuid.LogID, seqno topicuuid.SequenceNumber) error {
	seqno2 := seqno
	if tt.cache != nil {
		trackedNext := seqno
		nextUncovered := tt.cache.Visit(logID, seqno, func(t topicuuid.TopicUUID, cseq topicuuid.SequenceNumber, payload []byte) {
			if t != topic {
				return
			}
			tt.Stats.RecordsServedFromCache++
			tt.deliver(topic, trackedNext, cseq, payload, []topicuuid.CopilotSub{id})
			trackedNext = cseq + 1
		})
		if nextUncovered > trackedNext {
			tt.gap(topic, topicuuid.GapBenign, trackedNext, nextUncovered-1, []topicuuid.CopilotSub{id})
		}
		seqno2 = nextUncovered
	}

	tm := tt.ensureTopicManager(logID)
	if !tm.AddSubscriber(topic, seqno2, id) {
		tt.Stats.UpdatedSubscriptions++
	}

	from := seqno2
	if !tt.canSubscribePastEnd {
		from = seqno2 - 1
	}
	reader := tt.readerForNewSubscription(topic, logID, from)
	if err := reader.StartReading(ctx, topic, logID, from); err != nil {
		return fmt.Errorf("tailer: add_subscriber_internal: %w", err)
	}
	tt.subs.Insert(id.StreamID, id.SubID, topic)
	return nil
}

// readerForNewSubscription is spec.md §4.6's reader_for_new_subscription:
// never rewind a live physical reader when a cheaper option exists.
func (tt *TopicTailer) readerForNewSubscription(topic topicuuid.TopicUUID, logID topicuuid.LogID, from topicuuid.SequenceNumber) *LogReader {
	if len(tt.readers) == 1 {
		return tt.readers[0]
	}
	best := tt.pending
	bestCost := CostRewind
	for _, r := range tt.readers {
		if cost := r.SubscriptionCost(topic, logID, from); cost < bestCost {
			best = r
			bestCost = cost
		}
	}
	return best
}

// RemoveSubscriber drops one explicit subscription (Unsubscribe).
func (tt *TopicTailer) RemoveSubscriber(ctx context.Context, id topicuuid.CopilotSub) error {
	tt.Stats.RemoveSubscriberRequests++
	topic, ok := tt.subs.MoveOut(id.StreamID, id.SubID)
	if !ok {
		return nil
	}
	delete(tt.filters, id)
	logID := tt.router.LogID(topic)
	return tt.removeSubscriberInternal(ctx, topic, id, logID)
}

// RemoveSubscriberStream mass-unsubscribes every subscription on stream
// (Goodbye).
func (tt *TopicTailer) RemoveSubscriberStream(ctx context.Context, stream topicuuid.StreamID) error {
	type pair struct {
		sub   topicuuid.SubscriptionID
		topic topicuuid.TopicUUID
	}
	var pairs []pair
	tt.subs.VisitSubscriptions(stream, func(sub topicuuid.SubscriptionID, topic topicuuid.TopicUUID) {
		pairs = append(pairs, pair{sub, topic})
	})
	for _, p := range pairs {
		tt.Stats.RemoveSubscriberRequests++
		id := topicuuid.CopilotSub{StreamID: stream, SubID: p.sub}
		delete(tt.filters, id)
		logID := tt.router.LogID(p.topic)
		if err := tt.removeSubscriberInternal(ctx, p.topic, id, logID); err != nil {
			tt.logger.Warn("remove_subscriber failed during stream loss", log.F("log_id", uint64(logID)), log.Err(err))
		}
	}
	tt.subs.RemoveStream(stream)
	return nil
}

func (tt *TopicTailer) removeSubscriberInternal(ctx context.Context, topic topicuuid.TopicUUID, id topicuuid.CopilotSub, logID topicuuid.LogID) error {
	tm := tt.topicManagers[logID]
	if tm == nil {
		return nil
	}
	if !tm.RemoveSubscriber(topic, id) {
		return nil
	}
	for _, r := range tt.allReaders() {
		if err := r.StopReading(ctx, topic, logID); err != nil {
			return fmt.Errorf("tailer: remove_subscriber: %w", err)
		}
	}
	if tm.Empty() {
		delete(tt.topicManagers, logID)
		delete(tt.tailSeqnoCached, logID)
	}
	return nil
}

// SendLogRecord is the room-thread half of spec.md §4.6's
// send_log_record: the cross-thread Forward/NoBuffer handoff happens in
// the caller (Room), which only invokes this once already running on the
// room goroutine.
func (tt *TopicTailer) SendLogRecord(ctx context.Context, rec logtailer.Record) error {
	tt.Stats.LogRecordsReceived++
	tt.Stats.LogRecordsReceivedPayloadSize += int64(len(rec.Payload))

	reader := tt.findReader(rec.ReaderID)
	if reader == nil {
		return nil
	}
	prev, err := reader.ProcessRecord(rec.LogID, rec.Seqno, rec.Topic)
	if err != nil {
		tt.Stats.LogRecordsOutOfOrder++
		return nil
	}

	if tt.cache != nil {
		tt.cache.Store(rec.Topic, rec.LogID, rec.Seqno, rec.Payload)
	}
	tt.updateTailEstimate(rec.LogID, rec.Seqno)

	if prev > 0 {
		tt.Stats.LogRecordsWithSubscriptions++
		recipients := tt.collectAndAdvance(rec.LogID, rec.Topic, prev, rec.Seqno, rec.Seqno+1)
		tt.deliver(rec.Topic, prev, rec.Seqno, rec.Payload, recipients)
	} else {
		tt.Stats.LogRecordsWithoutSubscriptions++
	}

	reader.BumpLaggingSubscriptions(rec.LogID, rec.Seqno, func(topic topicuuid.TopicUUID, bumpSeqno topicuuid.SequenceNumber) {
		recipients := tt.collectAndAdvance(rec.LogID, topic, bumpSeqno, rec.Seqno, rec.Seqno+1)
		if len(recipients) == 0 {
			return
		}
		tt.Stats.BumpedSubscriptions += int64(len(recipients))
		tt.gap(topic, topicuuid.GapBenign, bumpSeqno, rec.Seqno, recipients)
	})

	tt.attemptReaderMerges(ctx, reader, rec.LogID)
	return nil
}

// SendGapRecord is the room-thread half of send_gap_record.
func (tt *TopicTailer) SendGapRecord(ctx context.Context, g logtailer.Gap) error {
	tt.Stats.GapRecordsReceived++

	reader := tt.findReader(g.ReaderID)
	if reader == nil {
		return nil
	}
	if err := reader.ValidateGap(g.LogID, g.From); err != nil {
		tt.Stats.GapRecordsOutOfOrder++
		return nil
	}

	if tm := tt.topicManagers[g.LogID]; tm != nil {
		tm.VisitTopics(func(topic topicuuid.TopicUUID) {
			prev := reader.ProcessGap(g.LogID, topic, g.To)
			recipients := tt.collectAndAdvance(g.LogID, topic, prev, g.To, g.To+1)
			if len(recipients) > 0 {
				tt.Stats.GapRecordsWithSubscriptions++
				tt.gap(topic, g.Type, prev, g.To, recipients)
			} else {
				tt.Stats.GapRecordsWithoutSubscriptions++
			}
		})
	}

	if existing, ok := tt.tailSeqnoCached[g.LogID]; !ok || existing <= g.To {
		tt.tailSeqnoCached[g.LogID] = g.To + 1
	}

	if g.Type == topicuuid.GapBenign {
		tt.Stats.BenignGapsReceived++
		reader.ProcessBenignGap(g.LogID, g.To)
	} else {
		tt.Stats.MalignantGapsReceived++
		reader.FlushHistory(g.LogID, g.To+1)
	}

	tt.attemptReaderMerges(ctx, reader, g.LogID)
	return nil
}

// attemptReaderMerges is spec.md §4.6's attempt_reader_merges: after
// src releases a log by merging, let it steal the virtual reader's
// parked subscriptions for that same log rather than leave them parked
// indefinitely.
func (tt *TopicTailer) attemptReaderMerges(ctx context.Context, src *LogReader, logID topicuuid.LogID) {
	for _, dest := range tt.readers {
		if dest == src {
			continue
		}
		if !src.CanMergeInto(dest, logID) {
			continue
		}
		if err := src.MergeInto(ctx, dest, logID); err != nil {
			tt.logger.Warn("reader merge failed", log.F("log_id", uint64(logID)), log.Err(err))
			return
		}
		if tt.pending.IsLogOpen(logID) {
			if err := src.StealLogSubscriptions(ctx, tt.pending, logID); err != nil {
				tt.logger.Warn("steal from virtual reader failed", log.F("log_id", uint64(logID)), log.Err(err))
			}
		}
		return
	}
}

// GetTailSeqnoEstimate returns the cached tail estimate for logID, or 0
// if none is known yet.
func (tt *TopicTailer) GetTailSeqnoEstimate(logID topicuuid.LogID) topicuuid.SequenceNumber {
	return tt.tailSeqnoCached[logID]
}

// ClearCache discards all cached records.
func (tt *TopicTailer) ClearCache() {
	if tt.cache != nil {
		tt.cache.ClearAll()
	}
}

// SetCacheCapacity resizes the record cache.
func (tt *TopicTailer) SetCacheCapacity(bytes int64) {
	if tt.cache != nil {
		tt.cache.SetCapacity(bytes)
	}
}

// CacheUsage reports the record cache's current byte usage.
func (tt *TopicTailer) CacheUsage() int64 {
	if tt.cache == nil {
		return 0
	}
	return tt.cache.Usage()
}

// CacheCapacity reports the record cache's configured byte capacity.
func (tt *TopicTailer) CacheCapacity() int64 {
	if tt.cache == nil {
		return 0
	}
	return tt.cache.Capacity()
}

// GetLogInfo reproduces the original's per-log human-readable summary:
// the tail estimate followed by every reader's (including the virtual
// reader's) detail lines for logID.
func (tt *TopicTailer) GetLogInfo(logID topicuuid.LogID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Log(%d).tail_seqno_cached: %d\n", logID, tt.GetTailSeqnoEstimate(logID))
	for _, r := range tt.readers {
		b.WriteString(r.GetLogInfo(logID))
	}
	b.WriteString(tt.pending.GetLogInfo(logID))
	return b.String()
}

// GetAllLogsInfo concatenates GetLogInfo for every log this tailer has
// seen a record, gap, or subscription for.
func (tt *TopicTailer) GetAllLogsInfo() string {
	seen := make(map[topicuuid.LogID]bool)
	var logIDs []topicuuid.LogID
	add := func(id topicuuid.LogID) {
		if !seen[id] {
			seen[id] = true
			logIDs = append(logIDs, id)
		}
	}
	for id := range tt.tailSeqnoCached {
		add(id)
	}
	for id := range tt.topicManagers {
		add(id)
	}
	sort.Slice(logIDs, func(i, j int) bool { return logIDs[i] < logIDs[j] })

	var b strings.Builder
	for _, id := range logIDs {
		b.WriteString(tt.GetLogInfo(id))
	}
	return b.String()
}

func (tt *TopicTailer) ensureTopicManager(logID topicuuid.LogID) *TopicManager {
	tm, ok := tt.topicManagers[logID]
	if !ok {
		tm = NewTopicManager()
		tt.topicManagers[logID] = tm
	}
	return tm
}

func (tt *TopicTailer) findReader(id logtailer.ReaderID) *LogReader {
	for _, r := range tt.readers {
		if r.ReaderID() == id {
			return r
		}
	}
	return nil
}

func (tt *TopicTailer) allReaders() []*LogReader {
	return append(append(make([]*LogReader, 0, len(tt.readers)+1), tt.readers...), tt.pending)
}

func (tt *TopicTailer) updateTailEstimate(logID topicuuid.LogID, seqno topicuuid.SequenceNumber) {
	existing, ok := tt.tailSeqnoCached[logID]
	if !ok || seqno >= existing {
		tt.Stats.TailRecordsReceived++
	} else {
		tt.Stats.BacklogRecordsReceived++
	}
	if !ok || existing <= seqno {
		tt.tailSeqnoCached[logID] = seqno + 1
		tt.Stats.NewTailRecordsSent++
	}
}

func (tt *TopicTailer) collectAndAdvance(logID topicuuid.LogID, topic topicuuid.TopicUUID, from, to, newNext topicuuid.SequenceNumber) []topicuuid.CopilotSub {
	tm := tt.topicManagers[logID]
	if tm == nil {
		return nil
	}
	var recipients []topicuuid.CopilotSub
	tm.VisitSubscribers(topic, from, to, func(sub *TopicSubscription) {
		sub.NextSeqno = newNext
		recipients = append(recipients, sub.ID)
	})
	return recipients
}

func (tt *TopicTailer) deliver(topic topicuuid.TopicUUID, prev, cur topicuuid.SequenceNumber, payload []byte, recipients []topicuuid.CopilotSub) {
	if tt.sink == nil || len(recipients) == 0 {
		return
	}
	recipients = tt.applyFilters(topic, cur, payload, recipients)
	if len(recipients) == 0 {
		return
	}
	tt.sink.OnDeliver(DeliverMessage{Topic: topic, PrevSeqno: prev, CurSeqno: cur, Payload: payload}, recipients)
}

func (tt *TopicTailer) gap(topic topicuuid.TopicUUID, typ topicuuid.GapType, from, to topicuuid.SequenceNumber, recipients []topicuuid.CopilotSub) {
	if tt.sink == nil || len(recipients) == 0 {
		return
	}
	tt.sink.OnGap(GapMessage{Topic: topic, Type: typ, From: from, To: to}, recipients)
}

// applyFilters drops recipients whose per-subscription CEL predicate
// rejects this record. Gaps are never filtered: a subscriber must always
// learn it lost history, regardless of content filtering.
func (tt *TopicTailer) applyFilters(topic topicuuid.TopicUUID, seqno topicuuid.SequenceNumber, payload []byte, recipients []topicuuid.CopilotSub) []topicuuid.CopilotSub {
	if len(tt.filters) == 0 {
		return recipients
	}
	out := recipients[:0:0]
	for _, id := range recipients {
		if f, ok := tt.filters[id]; ok && !f.Eval(topic.Namespace, topic.Name, uint64(seqno), payload) {
			continue
		}
		out = append(out, id)
	}
	return out
}
