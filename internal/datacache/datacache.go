// Package datacache implements the Control Tower's bounded, per-log
// record cache (spec.md §4.3). It lets a late subscriber catch up on
// recent history without opening a new physical reader, the read-path
// analogue of bureau-foundation-bureau's RingBuffer: a bounded buffer
// that tracks a monotonic position and answers "everything since X,"
// evicting the oldest data first when full. The byte layout differs —
// this cache holds structured, seqno-keyed records per log rather than
// raw bytes — but the bounded/evict-oldest/gap-on-miss shape is the
// same idea.
package datacache

import (
	"container/list"
	"strings"
	"sync"

	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

const perEntryOverhead = 64

type entry struct {
	logID      topicuuid.LogID
	seqno      topicuuid.SequenceNumber
	topic      topicuuid.TopicUUID
	payload    []byte
	size       int64
	globalElem *list.Element
	logElem    *list.Element
}

// VisitFunc is called once per cached record in increasing seqno order.
type VisitFunc func(topic topicuuid.TopicUUID, seqno topicuuid.SequenceNumber, payload []byte)

// Cache is a bounded, per-log cache of recently delivered records. A
// capacity of 0 disables caching entirely (Store becomes a no-op).
// Safe for concurrent use, though in this repo it is only ever touched
// from one room goroutine.
type Cache struct {
	mu                      sync.Mutex
	capacityBytes           int64
	usageBytes              int64
	globalOrder             *list.List // oldest first, for eviction
	perLog                  map[topicuuid.LogID]*list.List
	lastStoredSeqno         map[topicuuid.LogID]topicuuid.SequenceNumber
	cacheSystemNamespaces   bool
	systemNamespacePrefixes []string
}

// New constructs a Cache with the given byte capacity. When
// cacheSystemNamespaces is false, namespaces with one of the reserved
// prefixes ("__", "system.") are never cached, mirroring the original's
// cache_data_from_system_namespaces construction flag.
func New(capacityBytes int64, cacheSystemNamespaces bool) *Cache {
	return &Cache{
		capacityBytes:           capacityBytes,
		globalOrder:             list.New(),
		perLog:                  make(map[topicuuid.LogID]*list.List),
		lastStoredSeqno:         make(map[topicuuid.LogID]topicuuid.SequenceNumber),
		cacheSystemNamespaces:   cacheSystemNamespaces,
		systemNamespacePrefixes: []string{"__", "system."},
	}
}

func (c *Cache) isSystemNamespace(ns string) bool {
	for _, p := range c.systemNamespacePrefixes {
		if strings.HasPrefix(ns, p) {
			return true
		}
	}
	return false
}

// Store inserts a record into the cache, evicting the oldest entries
// across all logs if the insert pushes usage over capacity. Records at
// or below the log's current cache tail are dropped (duplicate or
// out-of-order) to preserve the seqno-ordered invariant within a log.
func (c *Cache) Store(topic topicuuid.TopicUUID, logID topicuuid.LogID, seqno topicuuid.SequenceNumber, payload []byte) {
	if !c.cacheSystemNamespaces && c.isSystemNamespace(topic.Namespace) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacityBytes <= 0 {
		return
	}

	if last, ok := c.lastStoredSeqno[logID]; ok && seqno <= last {
		return
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	e := &entry{
		logID:   logID,
		seqno:   seqno,
		topic:   topic,
		payload: cp,
		size:    int64(len(cp)) + perEntryOverhead,
	}
	ll, ok := c.perLog[logID]
	if !ok {
		ll = list.New()
		c.perLog[logID] = ll
	}
	e.logElem = ll.PushBack(e)
	e.globalElem = c.globalOrder.PushBack(e)
	c.usageBytes += e.size
	c.lastStoredSeqno[logID] = seqno

	for c.usageBytes > c.capacityBytes && c.globalOrder.Len() > 0 {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.globalOrder.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.globalOrder.Remove(e.globalElem)
	if ll, ok := c.perLog[e.logID]; ok {
		ll.Remove(e.logElem)
		if ll.Len() == 0 {
			delete(c.perLog, e.logID)
		}
	}
	c.usageBytes -= e.size
}

// Visit calls f for every cached record of logID with seqno >= start, in
// increasing seqno order, and returns the first seqno not covered by the
// cache: the seqno after the last record visited, or start unchanged if
// nothing was visited.
func (c *Cache) Visit(logID topicuuid.LogID, start topicuuid.SequenceNumber, f VisitFunc) topicuuid.SequenceNumber {
	c.mu.Lock()
	ll, ok := c.perLog[logID]
	if !ok {
		c.mu.Unlock()
		return start
	}
	// Snapshot under the lock so the visitor callback (which may itself
	// touch the cache indirectly via delivery bookkeeping) never runs
	// while holding it.
	type snap struct {
		topic   topicuuid.TopicUUID
		seqno   topicuuid.SequenceNumber
		payload []byte
	}
	var entries []snap
	for el := ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.seqno >= start {
			entries = append(entries, snap{topic: e.topic, seqno: e.seqno, payload: e.payload})
		}
	}
	c.mu.Unlock()

	next := start
	for _, s := range entries {
		f(s.topic, s.seqno, s.payload)
		next = s.seqno + 1
	}
	return next
}

// Clear discards all cached records for logID.
func (c *Cache) Clear(logID topicuuid.LogID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ll, ok := c.perLog[logID]
	if !ok {
		return
	}
	for el := ll.Front(); el != nil; {
		e := el.Value.(*entry)
		next := el.Next()
		c.globalOrder.Remove(e.globalElem)
		c.usageBytes -= e.size
		el = next
	}
	delete(c.perLog, logID)
	delete(c.lastStoredSeqno, logID)
}

// ClearAll discards every cached record for every log.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalOrder = list.New()
	c.perLog = make(map[topicuuid.LogID]*list.List)
	c.lastStoredSeqno = make(map[topicuuid.LogID]topicuuid.SequenceNumber)
	c.usageBytes = 0
}

// SetCapacity changes the byte capacity, evicting immediately if the new
// capacity is smaller than current usage.
func (c *Cache) SetCapacity(capacityBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacityBytes = capacityBytes
	for c.usageBytes > c.capacityBytes && c.globalOrder.Len() > 0 {
		c.evictOldestLocked()
	}
}

// Usage returns current bytes used.
func (c *Cache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageBytes
}

// Capacity returns the configured byte capacity.
func (c *Cache) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityBytes
}
