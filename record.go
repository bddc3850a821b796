package reftable

import "github.com/cockroachdb/errors"

// Block type tags. The first byte of every block (and of the footer's
// section-offset bookkeeping) is one of these.
const (
	BlockTypeRef   = 'r'
	BlockTypeObj   = 'o'
	BlockTypeLog   = 'g'
	BlockTypeIndex = 'i'
)

// RefRecord value-type discriminators.
const (
	RefValDeletion  = 0
	RefValValue     = 1
	RefValTag       = 2
	RefValSymref    = 3
)

// Record is the capability set shared by every record variant: a key,
// a 3-bit value-type discriminator carried alongside the key, and an
// encode/decode pair for the value that follows the key in a block
// entry. hashSize is threaded through because ref and log records embed
// raw hash bytes whose length depends on the table's configured hash
// algorithm (20 for SHA-1, 32 for SHA-256).
type Record interface {
	Type() byte
	Key() []byte
	ValType() uint8
	Encode(dst []byte, hashSize int) []byte
	Decode(key []byte, valType uint8, src []byte, hashSize int) (int, error)
	Clear()
	// CopyFrom replaces the receiver's contents with a copy of src,
	// which must be of the same concrete type. Used by the merge
	// iterator to hand a caller the winning record of a round without
	// exposing the internal record instances it owns.
	CopyFrom(src Record)
}

// RefRecord is a named reference: a deletion tombstone, a direct value,
// an annotated-tag pair, or a symbolic ref, keyed by ref_name.
type RefRecord struct {
	RefName     string
	UpdateIndex uint64
	Value       []byte
	TargetValue []byte
	Target      string
}

func (r *RefRecord) Type() byte { return BlockTypeRef }
func (r *RefRecord) Key() []byte { return []byte(r.RefName) }

func (r *RefRecord) IsDeletion() bool {
	return r.Value == nil && r.TargetValue == nil && r.Target == ""
}

func (r *RefRecord) ValType() uint8 {
	switch {
	case r.Target != "":
		return RefValSymref
	case r.TargetValue != nil:
		return RefValTag
	case r.Value != nil:
		return RefValValue
	default:
		return RefValDeletion
	}
}

func (r *RefRecord) Encode(dst []byte, hashSize int) []byte {
	dst = putVarint(dst, r.UpdateIndex)
	switch r.ValType() {
	case RefValDeletion:
	case RefValValue:
		dst = append(dst, r.Value...)
	case RefValTag:
		dst = append(dst, r.Value...)
		dst = append(dst, r.TargetValue...)
	case RefValSymref:
		dst = putVarint(dst, uint64(len(r.Target)))
		dst = append(dst, r.Target...)
	}
	return dst
}

func (r *RefRecord) Decode(key []byte, valType uint8, src []byte, hashSize int) (int, error) {
	r.RefName = string(key)
	r.Value, r.TargetValue, r.Target = nil, nil, ""

	updateIndex, n, err := getVarint(src)
	if err != nil {
		return 0, errors.Wrap(err, "ref record: update index")
	}
	r.UpdateIndex = updateIndex
	rest := src[n:]

	switch valType {
	case RefValDeletion:
	case RefValValue:
		if len(rest) < hashSize {
			return 0, errors.Wrapf(ErrFormat, "ref record: short value")
		}
		r.Value = append([]byte(nil), rest[:hashSize]...)
		n += hashSize
	case RefValTag:
		if len(rest) < 2*hashSize {
			return 0, errors.Wrapf(ErrFormat, "ref record: short tag value")
		}
		r.Value = append([]byte(nil), rest[:hashSize]...)
		r.TargetValue = append([]byte(nil), rest[hashSize:2*hashSize]...)
		n += 2 * hashSize
	case RefValSymref:
		targetLen, n2, err := getVarint(rest)
		if err != nil {
			return 0, errors.Wrap(err, "ref record: target length")
		}
		rest = rest[n2:]
		if uint64(len(rest)) < targetLen {
			return 0, errors.Wrapf(ErrFormat, "ref record: short target")
		}
		r.Target = string(rest[:targetLen])
		n += n2 + int(targetLen)
	default:
		return 0, errors.Wrapf(ErrFormat, "ref record: bad val_type %d", valType)
	}
	return n, nil
}

func (r *RefRecord) Clear() { *r = RefRecord{} }

func (r *RefRecord) CopyFrom(src Record) { *r = *src.(*RefRecord) }

// LogRecord is one reflog entry. The key is ref_name followed by a NUL
// byte and the big-endian complement of update_index, so that within a
// single ref, newer entries sort before older ones.
type LogRecord struct {
	RefName     string
	UpdateIndex uint64
	OldHash     []byte
	NewHash     []byte
	Name        string
	Email       string
	Time        int64
	TzOffset    int16
	Message     string
}

func (l *LogRecord) Type() byte { return BlockTypeLog }

func (l *LogRecord) Key() []byte {
	key := make([]byte, 0, len(l.RefName)+9)
	key = append(key, l.RefName...)
	key = append(key, 0)
	var buf [8]byte
	putU64(buf[:], ^l.UpdateIndex)
	key = append(key, buf[:]...)
	return key
}

func (l *LogRecord) ValType() uint8 { return 0 }

func (l *LogRecord) Encode(dst []byte, hashSize int) []byte {
	dst = putVarint(dst, l.UpdateIndex)
	dst = append(dst, padHash(l.OldHash, hashSize)...)
	dst = append(dst, padHash(l.NewHash, hashSize)...)
	dst = putVarint(dst, uint64(len(l.Name)))
	dst = append(dst, l.Name...)
	dst = putVarint(dst, uint64(len(l.Email)))
	dst = append(dst, l.Email...)
	dst = putVarint(dst, uint64(len(l.Message)))
	dst = append(dst, l.Message...)
	dst = putVarint(dst, uint64(l.Time))
	var tz [2]byte
	putU16(tz[:], uint16(l.TzOffset))
	dst = append(dst, tz[:]...)
	return dst
}

func (l *LogRecord) Decode(key []byte, valType uint8, src []byte, hashSize int) (int, error) {
	nul := -1
	for i, b := range key {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 || len(key) != nul+1+8 {
		return 0, errors.Wrapf(ErrFormat, "log record: malformed key")
	}
	l.RefName = string(key[:nul])

	updateIndex, n, err := getVarint(src)
	if err != nil {
		return 0, errors.Wrap(err, "log record: update index")
	}
	l.UpdateIndex = updateIndex
	pos := n
	if len(src) < pos+2*hashSize {
		return 0, errors.Wrapf(ErrFormat, "log record: short hashes")
	}
	l.OldHash = append([]byte(nil), src[pos:pos+hashSize]...)
	pos += hashSize
	l.NewHash = append([]byte(nil), src[pos:pos+hashSize]...)
	pos += hashSize

	readStr := func() (string, error) {
		strLen, n, err := getVarint(src[pos:])
		if err != nil {
			return "", err
		}
		pos += n
		if uint64(len(src)-pos) < strLen {
			return "", errors.Wrapf(ErrFormat, "log record: truncated string")
		}
		s := string(src[pos : pos+int(strLen)])
		pos += int(strLen)
		return s, nil
	}
	if l.Name, err = readStr(); err != nil {
		return 0, errors.Wrap(err, "log record: name")
	}
	if l.Email, err = readStr(); err != nil {
		return 0, errors.Wrap(err, "log record: email")
	}
	if l.Message, err = readStr(); err != nil {
		return 0, errors.Wrap(err, "log record: message")
	}

	t, n, err := getVarint(src[pos:])
	if err != nil {
		return 0, errors.Wrap(err, "log record: time")
	}
	l.Time = int64(t)
	pos += n
	if len(src)-pos < 2 {
		return 0, errors.Wrapf(ErrFormat, "log record: short tz offset")
	}
	l.TzOffset = int16(getU16(src[pos : pos+2]))
	pos += 2
	return pos, nil
}

func (l *LogRecord) Clear() { *l = LogRecord{} }

func (l *LogRecord) CopyFrom(src Record) { *l = *src.(*LogRecord) }

// ObjRecord maps a hash prefix to the sorted list of ref-block offsets
// that mention it.
type ObjRecord struct {
	HashPrefix []byte
	Offsets    []uint64
}

func (o *ObjRecord) Type() byte  { return BlockTypeObj }
func (o *ObjRecord) Key() []byte { return o.HashPrefix }

func (o *ObjRecord) ValType() uint8 {
	n := len(o.Offsets)
	if n >= 1 && n <= 7 {
		return uint8(n)
	}
	return 0
}

func (o *ObjRecord) Encode(dst []byte, hashSize int) []byte {
	n := len(o.Offsets)
	if n == 0 || n >= 8 {
		dst = putVarint(dst, uint64(n))
	}
	if n == 0 {
		return dst
	}
	dst = putVarint(dst, o.Offsets[0])
	for i := 1; i < n; i++ {
		dst = putVarint(dst, o.Offsets[i]-o.Offsets[i-1])
	}
	return dst
}

func (o *ObjRecord) Decode(key []byte, valType uint8, src []byte, hashSize int) (int, error) {
	o.HashPrefix = append([]byte(nil), key...)
	pos := 0
	n := int(valType)
	if valType == 0 {
		v, consumed, err := getVarint(src)
		if err != nil {
			return 0, errors.Wrap(err, "obj record: offset count")
		}
		n = int(v)
		pos += consumed
	}
	if n == 0 {
		o.Offsets = nil
		return pos, nil
	}
	offsets := make([]uint64, n)
	v, consumed, err := getVarint(src[pos:])
	if err != nil {
		return 0, errors.Wrap(err, "obj record: first offset")
	}
	offsets[0] = v
	pos += consumed
	for i := 1; i < n; i++ {
		d, c, err := getVarint(src[pos:])
		if err != nil {
			return 0, errors.Wrapf(err, "obj record: offset %d", i)
		}
		offsets[i] = offsets[i-1] + d
		pos += c
	}
	o.Offsets = offsets
	return pos, nil
}

func (o *ObjRecord) Clear() { *o = ObjRecord{} }

func (o *ObjRecord) CopyFrom(src Record) { *o = *src.(*ObjRecord) }

// IndexRecord is one entry of a sparse index block: the last key of a
// child block together with that child's file offset.
type IndexRecord struct {
	LastKey []byte
	Offset  uint64
}

func (i *IndexRecord) Type() byte    { return BlockTypeIndex }
func (i *IndexRecord) Key() []byte   { return i.LastKey }
func (i *IndexRecord) ValType() uint8 { return 0 }

func (i *IndexRecord) Encode(dst []byte, hashSize int) []byte {
	return putVarint(dst, i.Offset)
}

func (i *IndexRecord) Decode(key []byte, valType uint8, src []byte, hashSize int) (int, error) {
	i.LastKey = append([]byte(nil), key...)
	off, n, err := getVarint(src)
	if err != nil {
		return 0, errors.Wrap(err, "index record: offset")
	}
	i.Offset = off
	return n, nil
}

func (i *IndexRecord) Clear() { *i = IndexRecord{} }

func (i *IndexRecord) CopyFrom(src Record) { *i = *src.(*IndexRecord) }

// padHash returns h padded/truncated to exactly hashSize bytes so that
// encoding never panics on a caller-supplied zero-value hash.
func padHash(h []byte, hashSize int) []byte {
	if len(h) == hashSize {
		return h
	}
	out := make([]byte, hashSize)
	copy(out, h)
	return out
}
