package txn

import "encoding/binary"

// Tuple header layout (spec.md §4.9): "{is_ts_update:1, delta:64, wts:63,
// payload[]}". Go has no sub-byte bitfields worth hand-rolling here, so
// is_ts_update gets its own byte and delta/wts each get a full uint64
// rather than packing into 63+1 bits of one word.
//
// Every value under TicToc carries this header, not just values a
// transaction has touched (spec.md §4.9): the root package's
// non-transactional KV surface writes EncodeTuple'd payloads too, so a
// plain Get and a Txn.Read decode the same on-disk shape regardless of
// which path produced it.
const TupleHeaderSize = 1 + 8 + 8

func EncodeTuple(isTSUpdate bool, wts, delta uint64, payload []byte) []byte {
	buf := make([]byte, TupleHeaderSize+len(payload))
	if isTSUpdate {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:], delta)
	binary.LittleEndian.PutUint64(buf[9:], wts)
	copy(buf[TupleHeaderSize:], payload)
	return buf
}

func DecodeTuple(data []byte) (isTSUpdate bool, wts, delta uint64, payload []byte) {
	if len(data) < TupleHeaderSize {
		return false, 0, 0, nil
	}
	isTSUpdate = data[0] != 0
	delta = binary.LittleEndian.Uint64(data[1:])
	wts = binary.LittleEndian.Uint64(data[9:])
	payload = data[TupleHeaderSize:]
	return
}
