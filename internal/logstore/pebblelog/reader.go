package pebblelog

import (
	"context"

	"github.com/cockroachdb/pebble"
	"github.com/rocketspeed-io/towercore/internal/logtailer"
	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// tail delivers every record at or after fromSeqno for logID to l.sink as
// readerID, blocking for new writes the way internal/eventlog.Log.WaitForAppend
// does, until ctx is cancelled by a later Open or a Stop.
func (l *Log) tail(ctx context.Context, logID topicuuid.LogID, fromSeqno uint64, readerID logtailer.ReaderID) {
	cur := fromSeqno
	if cur == 0 {
		cur = 1
	}
	for {
		delivered, err := l.deliverFrom(ctx, logID, cur, readerID)
		if err != nil || ctx.Err() != nil {
			return
		}
		cur = delivered

		l.mu.Lock()
		if l.lastSeqLocked(uint64(logID)) >= cur {
			l.mu.Unlock()
			continue
		}
		wait := l.waitChanLocked(uint64(logID))
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}

// deliverFrom scans [from, +inf) for logID and delivers every record
// found, returning the next sequence number the caller should resume
// from.
func (l *Log) deliverFrom(ctx context.Context, logID topicuuid.LogID, from uint64, readerID logtailer.ReaderID) (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(uint64(logID), from),
		UpperBound: entryUpperBound(uint64(logID)),
	})
	if err != nil {
		return from, err
	}
	defer iter.Close()

	cur := from
	for iter.First(); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			return cur, nil
		}
		key := iter.Key()
		seq := decodeSeqFromKey(key)
		topic, payload, ok := decodeRecord(iter.Value())
		if !ok {
			cur = seq + 1
			continue
		}
		l.sink.OnRecord(logtailer.Record{
			LogID:    logID,
			Seqno:    topicuuid.SequenceNumber(seq),
			Topic:    topic,
			Payload:  payload,
			ReaderID: readerID,
		})
		cur = seq + 1
	}
	return cur, nil
}

func decodeSeqFromKey(key []byte) uint64 {
	return uint64FromBE(key[len(key)-8:])
}
