package reftable

import "github.com/cockroachdb/errors"

// putVarint appends the biased varint encoding of v to dst and returns
// the extended slice. The encoding is not LEB128: every continuation
// byte represents its 7-bit group of a value that has already been
// decremented by one, so each encoding length starts where the shorter
// one ends (two bytes start at 128, three at 16512) and no value has
// two encodings.
func putVarint(dst []byte, v uint64) []byte {
	var buf [10]byte
	p := len(buf) - 1
	buf[p] = byte(v & 0x7f)
	for {
		v >>= 7
		if v == 0 {
			break
		}
		v--
		p--
		buf[p] = 0x80 | byte(v&0x7f)
	}
	return append(dst, buf[p:]...)
}

// getVarint decodes a biased varint from the front of src, returning the
// value and the number of bytes consumed.
func getVarint(src []byte) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, errors.Wrap(ErrFormat, "varint: empty input")
	}
	val := uint64(src[0] & 0x7f)
	i := 0
	for src[i]&0x80 != 0 {
		val++
		i++
		if i >= len(src) {
			return 0, 0, errors.Wrap(ErrFormat, "varint: truncated")
		}
		val = (val << 7) | uint64(src[i]&0x7f)
	}
	return val, i + 1, nil
}

// varintSize returns the number of bytes putVarint would emit for v,
// without allocating.
func varintSize(v uint64) int {
	n := 1
	for {
		v >>= 7
		if v == 0 {
			return n
		}
		v--
		n++
	}
}
