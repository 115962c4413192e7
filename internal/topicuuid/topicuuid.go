// Package topicuuid defines the identifiers that flow through the Control
// Tower's read path: topics, sequence numbers, and the addressing scheme
// used to route delivered records back to a specific subscriber.
package topicuuid

import "fmt"

// SequenceNumber is a 64-bit per-log position. Zero is a reserved sentinel
// meaning "tail / no estimate" and is never a valid delivered position.
type SequenceNumber uint64

// LogID identifies a single append-only log within the configured range.
type LogID uint64

// StreamID identifies a client transport connection. Globally unique for
// the lifetime of the connection.
type StreamID uint64

// SubscriptionID is a per-stream handle chosen by the client/Copilot.
type SubscriptionID uint64

// CopilotSub addresses one subscription: a subscription handle scoped to a
// stream.
type CopilotSub struct {
	StreamID StreamID
	SubID    SubscriptionID
}

func (c CopilotSub) String() string {
	return fmt.Sprintf("%d:%d", c.StreamID, c.SubID)
}

// GapType distinguishes information-preserving gaps from ones that lose
// topic history.
type GapType int

const (
	// GapBenign means no information was lost: the range genuinely had no
	// records for the reader's subscribed topics, or the range was merely
	// skipped to catch up a reader.
	GapBenign GapType = iota
	// GapRetention means records in the range were trimmed by the log
	// store's retention policy before being read.
	GapRetention
	// GapDataLoss means records in the range are permanently unavailable
	// for reasons other than retention (e.g. store corruption recovery).
	GapDataLoss
)

// Malignant reports whether the gap lost topic history, requiring readers
// to flush their per-topic state for the affected log.
func (t GapType) Malignant() bool {
	return t == GapRetention || t == GapDataLoss
}

func (t GapType) String() string {
	switch t {
	case GapBenign:
		return "benign"
	case GapRetention:
		return "retention"
	case GapDataLoss:
		return "data-loss"
	default:
		return "unknown"
	}
}

// TopicUUID identifies a topic by its namespace and name. Two TopicUUIDs
// are equal iff both fields are equal; the zero value is never a topic a
// client subscribes to.
type TopicUUID struct {
	Namespace string
	Name      string
}

func New(namespace, name string) TopicUUID {
	return TopicUUID{Namespace: namespace, Name: name}
}

func (t TopicUUID) String() string {
	return t.Namespace + "/" + t.Name
}
