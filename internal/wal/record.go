package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Kind tags a record as a live value or a deletion marker.
type Kind uint8

const (
	KindValue     Kind = 1
	KindTombstone Kind = 2
)

// Location addresses a record inside the log. The zero Location means
// "no record" and is used to terminate version chains.
type Location struct {
	Segment uint32
	Offset  int64
}

// IsZero reports whether the location addresses nothing.
func (l Location) IsZero() bool {
	return l.Segment == 0 && l.Offset == 0
}

func (l Location) String() string {
	return fmt.Sprintf("%d/%d", l.Segment, l.Offset)
}

// Record is a single immutable entry in the log. Prev points at the
// record this one supersedes for the same key, or the zero Location.
type Record struct {
	Key     []byte
	Value   []byte // empty for tombstones
	Kind    Kind
	Version uint64
	Prev    Location
}

// Tombstone reports whether the record marks its key as deleted.
func (r *Record) Tombstone() bool {
	return r.Kind == KindTombstone
}

// On-disk frame layout:
//   - CRC32 (IEEE) of payload (4 bytes)
//   - payload length (4 bytes)
//   - payload:
//       kind (1), version (8), prev segment (4), prev offset (8),
//       key length (4), key, value length (4), value
// All integers little-endian. The kind byte's high bit marks the final
// frame of an atomic batch; replay surfaces a batch's records only
// once that frame is present, so a crash mid-batch never exposes a
// prefix.
const (
	frameHeaderSize   = 8
	payloadHeaderSize = 1 + 8 + 4 + 8 + 4
	commitFlag        = 0x80
)

// encodeFrame appends the full frame (header + payload) for r to dst.
// last marks the frame as the final record of its batch.
func encodeFrame(dst []byte, r *Record, last bool) []byte {
	payloadLen := payloadHeaderSize + len(r.Key) + 4 + len(r.Value)
	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize+payloadLen)...)
	payload := dst[start+frameHeaderSize:]

	kind := byte(r.Kind)
	if last {
		kind |= commitFlag
	}
	payload[0] = kind
	binary.LittleEndian.PutUint64(payload[1:9], r.Version)
	binary.LittleEndian.PutUint32(payload[9:13], r.Prev.Segment)
	binary.LittleEndian.PutUint64(payload[13:21], uint64(r.Prev.Offset))
	binary.LittleEndian.PutUint32(payload[21:25], uint32(len(r.Key)))
	n := copy(payload[25:], r.Key)
	binary.LittleEndian.PutUint32(payload[25+n:29+n], uint32(len(r.Value)))
	copy(payload[29+n:], r.Value)

	binary.LittleEndian.PutUint32(dst[start:start+4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(dst[start+4:start+8], uint32(payloadLen))
	return dst
}

// decodePayload decodes a checksum-verified payload into a Record.
// The second result reports whether the frame closes its batch.
func decodePayload(payload []byte) (Record, bool, error) {
	if len(payload) < payloadHeaderSize {
		return Record{}, false, fmt.Errorf("%w: payload too short (%d bytes)", ErrCorrupt, len(payload))
	}
	committed := payload[0]&commitFlag != 0
	kind := Kind(payload[0] &^ commitFlag)
	if kind != KindValue && kind != KindTombstone {
		return Record{}, false, fmt.Errorf("%w: unknown record kind %d", ErrCorrupt, kind)
	}
	rec := Record{
		Kind:    kind,
		Version: binary.LittleEndian.Uint64(payload[1:9]),
		Prev: Location{
			Segment: binary.LittleEndian.Uint32(payload[9:13]),
			Offset:  int64(binary.LittleEndian.Uint64(payload[13:21])),
		},
	}
	keyLen := int(binary.LittleEndian.Uint32(payload[21:25]))
	if payloadHeaderSize+keyLen+4 > len(payload) {
		return Record{}, false, fmt.Errorf("%w: key length %d exceeds payload", ErrCorrupt, keyLen)
	}
	rec.Key = make([]byte, keyLen)
	copy(rec.Key, payload[25:25+keyLen])

	valLen := int(binary.LittleEndian.Uint32(payload[25+keyLen : 29+keyLen]))
	if payloadHeaderSize+keyLen+4+valLen != len(payload) {
		return Record{}, false, fmt.Errorf("%w: value length %d does not match payload", ErrCorrupt, valLen)
	}
	rec.Value = make([]byte, valLen)
	copy(rec.Value, payload[29+keyLen:])
	return rec, committed, nil
}
