package reftable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(b byte) []byte {
	h := make([]byte, 20)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestRefRecordRoundTrip(t *testing.T) {
	cases := []*RefRecord{
		{RefName: "refs/heads/a", UpdateIndex: 5, Value: hashOf(1)},
		{RefName: "refs/heads/b", UpdateIndex: 6, Value: hashOf(2), TargetValue: hashOf(3)},
		{RefName: "refs/heads/c", UpdateIndex: 7, Target: "refs/heads/main"},
	}
	for _, want := range cases {
		buf := want.Encode(nil, 20)
		got := &RefRecord{}
		n, err := got.Decode(want.Key(), want.ValType(), buf, 20)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want, got)
	}
}

func TestRefRecordDeletion(t *testing.T) {
	r := &RefRecord{RefName: "refs/heads/a"}
	require.True(t, r.IsDeletion())
	require.EqualValues(t, RefValDeletion, r.ValType())
}

func TestObjRecordRoundTrip(t *testing.T) {
	cases := [][]uint64{
		nil,
		{10},
		{10, 20, 30},
		{1, 2, 3, 4, 5, 6, 7},
		{1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
	for _, offsets := range cases {
		want := &ObjRecord{HashPrefix: []byte("abcd"), Offsets: offsets}
		buf := want.Encode(nil, 20)
		got := &ObjRecord{}
		n, err := got.Decode(want.Key(), want.ValType(), buf, 20)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want.Offsets, got.Offsets)
	}
}

func TestIndexRecordRoundTrip(t *testing.T) {
	want := &IndexRecord{LastKey: []byte("refs/heads/z"), Offset: 4096}
	buf := want.Encode(nil, 20)
	got := &IndexRecord{}
	n, err := got.Decode(want.Key(), want.ValType(), buf, 20)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, want.Offset, got.Offset)
}

func TestLogRecordRoundTrip(t *testing.T) {
	want := &LogRecord{
		RefName:     "refs/heads/a",
		UpdateIndex: 42,
		OldHash:     hashOf(1),
		NewHash:     hashOf(2),
		Name:        "A U Thor",
		Email:       "a@example.com",
		Time:        1700000000,
		TzOffset:    -420,
		Message:     "commit: did stuff",
	}
	buf := want.Encode(nil, 20)
	got := &LogRecord{}
	n, err := got.Decode(want.Key(), want.ValType(), buf, 20)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, want, got)
}
