package pebblelog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/rocketspeed-io/towercore/internal/topicuuid"
)

// Record encoding, grounded on internal/eventlog/record.go: varint
// namespaceLen | namespace | varint nameLen | name | payload |
// crc32c(namespace|name|payload).

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(topic topicuuid.TopicUUID, payload []byte) []byte {
	out := make([]byte, 0, 20+len(topic.Namespace)+len(topic.Name)+len(payload)+4)
	var tmp [10]byte

	n := binary.PutUvarint(tmp[:], uint64(len(topic.Namespace)))
	out = append(out, tmp[:n]...)
	out = append(out, topic.Namespace...)

	n = binary.PutUvarint(tmp[:], uint64(len(topic.Name)))
	out = append(out, tmp[:n]...)
	out = append(out, topic.Name...)

	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, out)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

func decodeRecord(b []byte) (topicuuid.TopicUUID, []byte, bool) {
	if len(b) < 4 {
		return topicuuid.TopicUUID{}, nil, false
	}
	body, gotCRC := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Update(0, castagnoli, body) != gotCRC {
		return topicuuid.TopicUUID{}, nil, false
	}

	nsLen, n := binary.Uvarint(body)
	if n <= 0 || int(n)+int(nsLen) > len(body) {
		return topicuuid.TopicUUID{}, nil, false
	}
	ns := string(body[n : n+int(nsLen)])
	rest := body[n+int(nsLen):]

	nameLen, n2 := binary.Uvarint(rest)
	if n2 <= 0 || int(n2)+int(nameLen) > len(rest) {
		return topicuuid.TopicUUID{}, nil, false
	}
	name := string(rest[n2 : n2+int(nameLen)])
	payload := rest[n2+int(nameLen):]

	return topicuuid.New(ns, name), append([]byte(nil), payload...), true
}
