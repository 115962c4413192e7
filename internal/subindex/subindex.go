// Package subindex implements the Stream/Sub two-level index spec.md
// §4.6 requires: a map from (stream_id, sub_id) to topic, so the
// TopicTailer can resolve an explicit unsubscribe in O(1) and enumerate
// every subscription on a stream for mass unsubscribe on connection
// loss.
package subindex

import (
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Index maps (StreamID, SubscriptionID) to the topic it was created for.
// Not safe for concurrent use; owned exclusively by a room goroutine.
type Index struct {
	byStream map[topicuuid.StreamID]map[topicuuid.SubscriptionID]topicuuid.TopicUUID
}

// New constructs an empty Index.
func New() *Index {
	return &Index{byStream: make(map[topicuuid.StreamID]map[topicuuid.SubscriptionID]topicuuid.TopicUUID)}
}

// Insert records that (stream, sub) subscribes to topic.
func (ix *Index) Insert(stream topicuuid.StreamID, sub topicuuid.SubscriptionID, topic topicuuid.TopicUUID) {
	m, ok := ix.byStream[stream]
	if !ok {
		m = make(map[topicuuid.SubscriptionID]topicuuid.TopicUUID)
		ix.byStream[stream] = m
	}
	m[sub] = topic
}

// MoveOut looks up and removes the topic for (stream, sub), returning
// false if it was not present.
func (ix *Index) MoveOut(stream topicuuid.StreamID, sub topicuuid.SubscriptionID) (topicuuid.TopicUUID, bool) {
	m, ok := ix.byStream[stream]
	if !ok {
		return topicuuid.TopicUUID{}, false
	}
	topic, ok := m[sub]
	if !ok {
		return topicuuid.TopicUUID{}, false
	}
	delete(m, sub)
	if len(m) == 0 {
		delete(ix.byStream, stream)
	}
	return topic, true
}

// RemoveStream deletes every subscription for stream.
func (ix *Index) RemoveStream(stream topicuuid.StreamID) {
	delete(ix.byStream, stream)
}

// VisitSubscriptions calls f for every (sub, topic) pair registered under
// stream. The pairs are snapshotted before the first call, so the visitor
// may remove any of this stream's entries, including the one currently
// visited, via MoveOut or RemoveStream (see internal/tailer's
// RemoveSubscriberStream for stream loss).
func (ix *Index) VisitSubscriptions(stream topicuuid.StreamID, f func(sub topicuuid.SubscriptionID, topic topicuuid.TopicUUID)) {
	m, ok := ix.byStream[stream]
	if !ok {
		return
	}
	// Snapshot: the visitor is expected to call MoveOut on this same
	// stream's entries as it processes them.
	type pair struct {
		sub   topicuuid.SubscriptionID
		topic topicuuid.TopicUUID
	}
	pairs := make([]pair, 0, len(m))
	for sub, topic := range m {
		pairs = append(pairs, pair{sub, topic})
	}
	for _, p := range pairs {
		f(p.sub, p.topic)
	}
}
