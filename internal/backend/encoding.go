package backend

import "encoding/binary"

// int64ToBytes/bytesToInt64 give Increment a fixed-width wire format so the
// same counter key can be read back with CompareAndSwap's byte-equality
// check without round-tripping through a string representation.
func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
