// Package logrouter maps topics onto logs with a deterministic hash, the
// same way the teacher's streams service maps a publish key onto a
// partition with crc32.ChecksumIEEE — except the router's range spans
// whole logs rather than partitions of one stream, and it must remain
// stable across process restarts since clients persist subscriptions
// against the LogID it returns.
package logrouter

import (
	"fmt"
	"hash/fnv"

	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Router is a pure function from topic to log id within [First, Last].
type Router struct {
	first topicuuid.LogID
	last  topicuuid.LogID
	span  uint64
}

// New constructs a Router over the inclusive range [first, last].
func New(first, last topicuuid.LogID) (*Router, error) {
	if last < first {
		return nil, fmt.Errorf("logrouter: invalid range [%d, %d]", first, last)
	}
	return &Router{first: first, last: last, span: uint64(last-first) + 1}, nil
}

// LogID deterministically routes a topic to a log id. The hash is
// hash/fnv-1a rather than hash/maphash: maphash seeds itself randomly per
// process, which would make routing decisions disagree across restarts of
// the same Control Tower — unacceptable since a client's persisted
// subscription depends on LogID being stable.
func (r *Router) LogID(topic topicuuid.TopicUUID) topicuuid.LogID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(topic.Namespace))
	_, _ = h.Write([]byte{0x1F})
	_, _ = h.Write([]byte(topic.Name))
	offset := h.Sum64() % r.span
	return r.first + topicuuid.LogID(offset)
}

// First returns the lower bound of the routed range.
func (r *Router) First() topicuuid.LogID { return r.first }

// Last returns the upper bound of the routed range.
func (r *Router) Last() topicuuid.LogID { return r.last }
