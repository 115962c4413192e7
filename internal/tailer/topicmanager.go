package tailer

import "github.com/rocketspeed-io/towercore/internal/topicuuid"

// TopicSubscription is one subscriber on one topic (spec.md §3).
type TopicSubscription struct {
	ID        topicuuid.CopilotSub
	NextSeqno topicuuid.SequenceNumber
}

// TopicManager holds, for a single log, the set of subscribers on each
// topic routed to that log (spec.md §4.5). Grounded directly on the
// original's topic.cc: AddSubscriber/RemoveSubscriber scan a small
// per-topic slice rather than index by CopilotSub, since the expected
// fan-out per topic is small and this keeps VisitSubscribers allocation
// free.
type TopicManager struct {
	topics map[topicuuid.TopicUUID][]*TopicSubscription
}

// NewTopicManager constructs an empty TopicManager.
func NewTopicManager() *TopicManager {
	return &TopicManager{topics: make(map[topicuuid.TopicUUID][]*TopicSubscription)}
}

// AddSubscriber records that id subscribes to topic starting at seqno.
// Returns true iff this created a new subscription; an existing
// subscription from the same id merely has its seqno updated.
func (tm *TopicManager) AddSubscriber(topic topicuuid.TopicUUID, seqno topicuuid.SequenceNumber, id topicuuid.CopilotSub) bool {
	list := tm.topics[topic]
	for _, sub := range list {
		if sub.ID == id {
			sub.NextSeqno = seqno
			return false
		}
	}
	tm.topics[topic] = append(list, &TopicSubscription{ID: id, NextSeqno: seqno})
	return true
}

// RemoveSubscriber drops id's subscription to topic. Returns true iff no
// subscribers remain on the topic, in which case the topic entry itself
// is removed.
func (tm *TopicManager) RemoveSubscriber(topic topicuuid.TopicUUID, id topicuuid.CopilotSub) bool {
	list, ok := tm.topics[topic]
	if !ok {
		return true
	}
	for i, sub := range list {
		if sub.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(tm.topics, topic)
		return true
	}
	tm.topics[topic] = list
	return false
}

// VisitSubscribers calls f for every subscriber on topic whose NextSeqno
// falls in [from, to]. The visitor may mutate NextSeqno in place.
func (tm *TopicManager) VisitSubscribers(topic topicuuid.TopicUUID, from, to topicuuid.SequenceNumber, f func(sub *TopicSubscription)) {
	for _, sub := range tm.topics[topic] {
		if sub.NextSeqno >= from && sub.NextSeqno <= to {
			f(sub)
		}
	}
}

// VisitTopics enumerates every topic currently subscribed on this log.
// The visitor may call RemoveSubscriber on the topic being visited (the
// topic list is snapshotted up front so deletion mid-iteration is safe).
func (tm *TopicManager) VisitTopics(f func(topic topicuuid.TopicUUID)) {
	topics := make([]topicuuid.TopicUUID, 0, len(tm.topics))
	for topic := range tm.topics {
		topics = append(topics, topic)
	}
	for _, topic := range topics {
		f(topic)
	}
}

// Empty reports whether this log currently has no subscribed topics.
func (tm *TopicManager) Empty() bool {
	return len(tm.topics) == 0
}
