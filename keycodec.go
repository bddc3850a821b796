package reftable

import "github.com/cockroachdb/errors"

// encodeKey appends the prefix-compressed entry key to dst:
//
//	put_varint(prefix_len); put_varint((suffix_len<<3) | valType); suffix
//
// prefixLen is the length of the common prefix between key and the
// previous key written to the same block; suffix is key[prefixLen:].
// valType (0..7) is the record-variant discriminator carried alongside
// the key so the block iterator knows how to decode the value that
// follows.
func encodeKey(dst []byte, prefixLen int, suffix []byte, valType uint8) []byte {
	dst = putVarint(dst, uint64(prefixLen))
	dst = putVarint(dst, uint64(len(suffix))<<3|uint64(valType&0x7))
	dst = append(dst, suffix...)
	return dst
}

// decodeKey reads a key entry from the front of src, given the
// previously decoded key lastKey. It returns the reconstructed key,
// the value-type discriminator, whether this entry is a restart point
// (prefixLen == 0), and the number of bytes consumed.
func decodeKey(lastKey, src []byte) (key []byte, valType uint8, restart bool, n int, err error) {
	prefixLen, n1, err := getVarint(src)
	if err != nil {
		return nil, 0, false, 0, errors.Wrap(err, "decode key: prefix length")
	}
	if int(prefixLen) > len(lastKey) {
		return nil, 0, false, 0, errors.Wrapf(ErrFormat, "decode key: prefix length %d exceeds last key", prefixLen)
	}
	rest := src[n1:]
	packed, n2, err := getVarint(rest)
	if err != nil {
		return nil, 0, false, 0, errors.Wrap(err, "decode key: suffix length")
	}
	suffixLen := int(packed >> 3)
	valType = uint8(packed & 0x7)
	rest = rest[n2:]
	if suffixLen > len(rest) {
		return nil, 0, false, 0, errors.Wrapf(ErrFormat, "decode key: suffix length %d truncated", suffixLen)
	}

	key = make([]byte, int(prefixLen)+suffixLen)
	copy(key, lastKey[:prefixLen])
	copy(key[prefixLen:], rest[:suffixLen])

	return key, valType, prefixLen == 0, n1 + n2 + suffixLen, nil
}
