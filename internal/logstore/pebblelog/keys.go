package pebblelog

import "encoding/binary"

// Keyspace, grounded on internal/eventlog's layout but keyed by LogID
// rather than namespace/topic/partition:
//
//	log/{logID_be8}/e/{seq_be8}
//	log/{logID_be8}/m

var (
	logPrefix  = []byte("log/")
	entrySeg   = []byte("/e/")
	metaSuffix = []byte("/m")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyMeta(logID uint64) []byte {
	k := make([]byte, 0, len(logPrefix)+8+len(metaSuffix))
	k = append(k, logPrefix...)
	k = appendBE8(k, logID)
	k = append(k, metaSuffix...)
	return k
}

func keyEntry(logID, seq uint64) []byte {
	k := make([]byte, 0, len(logPrefix)+8+len(entrySeg)+8)
	k = append(k, logPrefix...)
	k = appendBE8(k, logID)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

func entryUpperBound(logID uint64) []byte { return keyEntry(logID, ^uint64(0)) }

func uint64FromBE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
