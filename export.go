package reftable

// This file re-exports the byte-level codecs for the block/ and table/
// packages, which build on top of the same wire primitives without
// duplicating them.

// PutVarint appends the biased varint encoding of v to dst.
func PutVarint(dst []byte, v uint64) []byte { return putVarint(dst, v) }

// GetVarint decodes a biased varint from the front of src.
func GetVarint(src []byte) (uint64, int, error) { return getVarint(src) }

// VarintSize returns the encoded length of v.
func VarintSize(v uint64) int { return varintSize(v) }

// PutU16 / GetU16, PutU24 / GetU24, PutU32 / GetU32, PutU64 / GetU64
// are the fixed-width big-endian codecs used by block and footer
// layout.
func PutU16(dst []byte, v uint16) { putU16(dst, v) }
func GetU16(src []byte) uint16    { return getU16(src) }
func PutU24(dst []byte, v uint32) { putU24(dst, v) }
func GetU24(src []byte) uint32    { return getU24(src) }
func PutU32(dst []byte, v uint32) { putU32(dst, v) }
func GetU32(src []byte) uint32    { return getU32(src) }
func PutU64(dst []byte, v uint64) { putU64(dst, v) }
func GetU64(src []byte) uint64    { return getU64(src) }

// CommonPrefixSize returns the length of the longest common prefix of
// a and b.
func CommonPrefixSize(a, b []byte) int { return commonPrefixSize(a, b) }

// Binsearch returns the smallest index in [0, sz) for which f is true.
func Binsearch(sz int, f func(int) bool) int { return binsearch(sz, f) }

// EncodeKey and DecodeKey implement the per-entry key codec shared by
// every block type.
func EncodeKey(dst []byte, prefixLen int, suffix []byte, valType uint8) []byte {
	return encodeKey(dst, prefixLen, suffix, valType)
}

func DecodeKey(lastKey, src []byte) (key []byte, valType uint8, restart bool, n int, err error) {
	return decodeKey(lastKey, src)
}
