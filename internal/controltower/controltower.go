// Package controltower wires a fixed number of rooms together, routing
// data from the log store and subscription requests from clients to the
// room responsible for a given log id — grounded on the original
// ControlTower/ControlRoom split (controltower.h, room.h): the tower
// itself holds no per-topic state, it only dispatches.
package controltower

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rocketspeed-io/towercore/internal/datacache"
	"github.com/rocketspeed-io/towercore/internal/logrouter"
	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/room"
	"github.com/rocketspeed-io/towercore/internal/tailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
	logpkg "github.com/rocketspeed-io/towercore/pkg/log"
)

// Options configures a ControlTower.
type Options struct {
	NumRooms              int
	ReadersPerRoom        int
	LogRangeFirst         topicuuid.LogID
	LogRangeLast          topicuuid.LogID
	CacheSizePerRoom      int64
	CacheSystemNamespaces bool
	MaxSubscriptionLag    int64
	RoomQueueDepth        int
	Logger                logpkg.Logger
}

// ControlTower owns N rooms and the one LogRouter all of them share.
// log_id mod num_rooms picks the owning room, an independent modulus
// from the router's topic-to-log hash.
type ControlTower struct {
	router *logrouter.Router
	rooms  []*room.Room

	mu        sync.Mutex
	subToRoom map[topicuuid.CopilotSub]int
}

// New constructs a ControlTower: one TopicTailer per room, each with its
// own record cache and reader pool, all sharing store and sink. sink
// receives every DeliverMessage/GapMessage fanned out across all rooms —
// typically the HTTP+SSE layer's subscriber registry.
func New(opts Options, store logtailer.LogTailer, sink tailer.Sink) (*ControlTower, error) {
	if opts.NumRooms <= 0 {
		return nil, fmt.Errorf("controltower: NumRooms must be positive")
	}
	router, err := logrouter.New(opts.LogRangeFirst, opts.LogRangeLast)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}

	ct := &ControlTower{
		router:    router,
		rooms:     make([]*room.Room, opts.NumRooms),
		subToRoom: make(map[topicuuid.CopilotSub]int),
	}

	nextReaderID := logtailer.ReaderID(1)
	for i := 0; i < opts.NumRooms; i++ {
		rm := room.New(room.Options{Number: i, Logger: logger, QueueDepth: opts.RoomQueueDepth})

		readerIDs := make([]logtailer.ReaderID, opts.ReadersPerRoom)
		for j := range readerIDs {
			readerIDs[j] = nextReaderID
			nextReaderID++
		}
		cache := datacache.New(opts.CacheSizePerRoom, opts.CacheSystemNamespaces)
		tt := tailer.NewTopicTailer(logger, router, store, cache, sink, readerIDs, opts.MaxSubscriptionLag, rm.ForwardFunc())
		rm.SetTopicTailer(tt)
		ct.rooms[i] = rm
	}
	return ct, nil
}

// Run starts every room's event loop and blocks until ctx is cancelled.
func (ct *ControlTower) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rm := range ct.rooms {
		wg.Add(1)
		go func(r *room.Room) {
			defer wg.Done()
			r.Run(ctx)
		}(rm)
	}
	<-ctx.Done()
	wg.Wait()
}

// Stop signals every room to return from Run and waits for them to do so.
func (ct *ControlTower) Stop() {
	for _, rm := range ct.rooms {
		rm.Stop()
	}
}

// Router exposes the shared topic-to-log router, e.g. for introspection
// endpoints that need to report which log a topic maps to.
func (ct *ControlTower) Router() *logrouter.Router { return ct.router }

func (ct *ControlTower) roomFor(logID topicuuid.LogID) *room.Room {
	return ct.rooms[uint64(logID)%uint64(len(ct.rooms))]
}

// OnRecord implements logtailer.Sink, dispatching to the owning room.
func (ct *ControlTower) OnRecord(rec logtailer.Record) { ct.roomFor(rec.LogID).OnRecord(rec) }

// OnGap implements logtailer.Sink, dispatching to the owning room.
func (ct *ControlTower) OnGap(gap logtailer.Gap) { ct.roomFor(gap.LogID).OnGap(gap) }

// AddSubscriber routes the request to the room owning topic's log and
// remembers which room holds it, so a later RemoveSubscriber — which
// only carries the subscription id — can be routed back without
// re-deriving the topic.
func (ct *ControlTower) AddSubscriber(ctx context.Context, topic topicuuid.TopicUUID, start topicuuid.SequenceNumber, id topicuuid.CopilotSub, filterExpr string) error {
	logID := ct.router.LogID(topic)
	idx := int(uint64(logID) % uint64(len(ct.rooms)))
	ct.mu.Lock()
	ct.subToRoom[id] = idx
	ct.mu.Unlock()
	if err := ct.rooms[idx].AddSubscriber(ctx, topic, start, id, filterExpr); err != nil {
		ct.mu.Lock()
		delete(ct.subToRoom, id)
		ct.mu.Unlock()
		return err
	}
	return nil
}

// RemoveSubscriber routes to whichever room AddSubscriber recorded for id.
func (ct *ControlTower) RemoveSubscriber(ctx context.Context, id topicuuid.CopilotSub) error {
	ct.mu.Lock()
	idx, ok := ct.subToRoom[id]
	delete(ct.subToRoom, id)
	ct.mu.Unlock()
	if !ok {
		return nil
	}
	return ct.rooms[idx].RemoveSubscriber(ctx, id)
}

// RemoveSubscriberStream tears down every subscription owned by stream.
// Since a stream's subscriptions may be spread across rooms, every room
// is asked; each room's subindex is a no-op for a stream it never saw.
func (ct *ControlTower) RemoveSubscriberStream(ctx context.Context, stream topicuuid.StreamID) error {
	ct.mu.Lock()
	for id := range ct.subToRoom {
		if id.StreamID == stream {
			delete(ct.subToRoom, id)
		}
	}
	ct.mu.Unlock()
	for _, rm := range ct.rooms {
		if err := rm.RemoveSubscriberStream(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

// GetLogInfo reports the owning room's view of logID.
func (ct *ControlTower) GetLogInfo(ctx context.Context, logID topicuuid.LogID) (string, error) {
	return ct.roomFor(logID).GetLogInfo(ctx, logID)
}

// GetAllLogsInfo concatenates every room's GetAllLogsInfo.
func (ct *ControlTower) GetAllLogsInfo(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, rm := range ct.rooms {
		s, err := rm.GetAllLogsInfo(ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// ClearCache clears every room's record cache.
func (ct *ControlTower) ClearCache(ctx context.Context) error {
	for _, rm := range ct.rooms {
		if err := rm.ClearCache(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SetCacheCapacity resizes every room's record cache to bytes.
func (ct *ControlTower) SetCacheCapacity(ctx context.Context, bytes int64) error {
	for _, rm := range ct.rooms {
		if err := rm.SetCacheCapacity(ctx, bytes); err != nil {
			return err
		}
	}
	return nil
}

// CacheUsage sums every room's cache usage.
func (ct *ControlTower) CacheUsage(ctx context.Context) (int64, error) {
	var total int64
	for _, rm := range ct.rooms {
		n, err := rm.CacheUsage(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CacheCapacity sums every room's cache capacity.
func (ct *ControlTower) CacheCapacity(ctx context.Context) (int64, error) {
	var total int64
	for _, rm := range ct.rooms {
		n, err := rm.CacheCapacity(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Stats aggregates every room's counters into one snapshot.
func (ct *ControlTower) Stats(ctx context.Context) (tailer.Stats, error) {
	var agg tailer.Stats
	for _, rm := range ct.rooms {
		s, err := rm.Stats(ctx)
		if err != nil {
			return tailer.Stats{}, err
		}
		agg = addStats(agg, s)
	}
	return agg, nil
}

func addStats(a, b tailer.Stats) tailer.Stats {
	return tailer.Stats{
		LogRecordsReceived:             a.LogRecordsReceived + b.LogRecordsReceived,
		LogRecordsReceivedPayloadSize:  a.LogRecordsReceivedPayloadSize + b.LogRecordsReceivedPayloadSize,
		NewTailRecordsSent:             a.NewTailRecordsSent + b.NewTailRecordsSent,
		TailRecordsReceived:            a.TailRecordsReceived + b.TailRecordsReceived,
		BacklogRecordsReceived:         a.BacklogRecordsReceived + b.BacklogRecordsReceived,
		LogRecordsWithSubscriptions:    a.LogRecordsWithSubscriptions + b.LogRecordsWithSubscriptions,
		LogRecordsWithoutSubscriptions: a.LogRecordsWithoutSubscriptions + b.LogRecordsWithoutSubscriptions,
		LogRecordsOutOfOrder:           a.LogRecordsOutOfOrder + b.LogRecordsOutOfOrder,
		BumpedSubscriptions:            a.BumpedSubscriptions + b.BumpedSubscriptions,
		GapRecordsReceived:             a.GapRecordsReceived + b.GapRecordsReceived,
		GapRecordsOutOfOrder:           a.GapRecordsOutOfOrder + b.GapRecordsOutOfOrder,
		GapRecordsWithSubscriptions:    a.GapRecordsWithSubscriptions + b.GapRecordsWithSubscriptions,
		GapRecordsWithoutSubscriptions: a.GapRecordsWithoutSubscriptions + b.GapRecordsWithoutSubscriptions,
		BenignGapsReceived:             a.BenignGapsReceived + b.BenignGapsReceived,
		MalignantGapsReceived:          a.MalignantGapsReceived + b.MalignantGapsReceived,
		AddSubscriberRequests:          a.AddSubscriberRequests + b.AddSubscriberRequests,
		AddSubscriberRequestsAt0:       a.AddSubscriberRequestsAt0 + b.AddSubscriberRequestsAt0,
		AddSubscriberRequestsAt0Fast:   a.AddSubscriberRequestsAt0Fast + b.AddSubscriberRequestsAt0Fast,
		AddSubscriberRequestsAt0Slow:   a.AddSubscriberRequestsAt0Slow + b.AddSubscriberRequestsAt0Slow,
		UpdatedSubscriptions:           a.UpdatedSubscriptions + b.UpdatedSubscriptions,
		RemoveSubscriberRequests:       a.RemoveSubscriberRequests + b.RemoveSubscriberRequests,
		RecordsServedFromCache:         a.RecordsServedFromCache + b.RecordsServedFromCache,
	}
}
