package httpserver

import (
	"sync"
	"sync/atomic"

	"github.com/rocketspeed-io/towercore/internal/tailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// event is what a subscriber's SSE loop renders, unifying the delivery
// and gap cases the registry fans records/gaps into.
type event struct {
	Namespace string `json:"namespace"`
	Topic     string `json:"topic"`
	Seqno     uint64 `json:"seqno,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	GapType   string `json:"gapType,omitempty"`
	GapFrom   uint64 `json:"gapFrom,omitempty"`
	GapTo     uint64 `json:"gapTo,omitempty"`
}

// subscriberRegistry implements tailer.Sink, fanning each delivery and
// gap out to the per-connection channel its recipients were registered
// under — the HTTP+SSE analogue of the original Copilot's per-stream
// socket write, grounded on controllers/sse.go's Send/Context/Flush
// sink shape but adapted to a registry serving many concurrent readers
// rather than one request's single sink value.
type subscriberRegistry struct {
	mu   sync.Mutex
	subs map[topicuuid.CopilotSub]chan event

	nextStream uint64
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{subs: make(map[topicuuid.CopilotSub]chan event)}
}

// allocate reserves a fresh CopilotSub and its delivery channel. The
// caller is responsible for calling release once the connection ends.
func (r *subscriberRegistry) allocate() (topicuuid.CopilotSub, chan event) {
	id := topicuuid.CopilotSub{
		StreamID: topicuuid.StreamID(atomic.AddUint64(&r.nextStream, 1)),
		SubID:    1,
	}
	ch := make(chan event, 256)
	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *subscriberRegistry) release(id topicuuid.CopilotSub) {
	r.mu.Lock()
	if ch, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()
}

func (r *subscriberRegistry) OnDeliver(msg tailer.DeliverMessage, recipients []topicuuid.CopilotSub) {
	ev := event{Namespace: msg.Topic.Namespace, Topic: msg.Topic.Name, Seqno: uint64(msg.CurSeqno), Payload: msg.Payload}
	r.fanout(recipients, ev)
}

func (r *subscriberRegistry) OnGap(msg tailer.GapMessage, recipients []topicuuid.CopilotSub) {
	ev := event{
		Namespace: msg.Topic.Namespace,
		Topic:     msg.Topic.Name,
		GapType:   msg.Type.String(),
		GapFrom:   uint64(msg.From),
		GapTo:     uint64(msg.To),
	}
	r.fanout(recipients, ev)
}

func (r *subscriberRegistry) fanout(recipients []topicuuid.CopilotSub, ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range recipients {
		ch, ok := r.subs[id]
		if !ok {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Slow reader: drop rather than block the room loop that
			// called through to us. The dropped event is not re-sent,
			// and no gap is generated for it.
		}
	}
}
