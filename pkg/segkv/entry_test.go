package segkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryLayoutEncodeDecodeVariableSized(t *testing.T) {
	t.Parallel()

	cfg := Config{MetaDataBytes: 2, Alignment: 8, WorstAlignment: 8}
	e := newEntryLayout(cfg)

	key := []byte("hello")
	value := []byte("world!!")
	meta := []byte{0xAA, 0xBB}

	size := e.entrySize(len(key), len(value))
	buf := make([]byte, size)

	valueOff := e.encode(buf, meta, key, value)
	require.Equal(t, e.valueOffsetInEntry(len(key), len(value)), valueOff)
	require.Zero(t, valueOff%8, "value offset must respect alignment")

	require.Equal(t, meta, e.meta(buf))

	gotKey, after := e.decodeKey(buf)
	require.Equal(t, key, gotKey)

	gotValue := e.decodeValue(buf, after, 0)
	require.Equal(t, value, gotValue)
}

func TestEntryLayoutConstantlySizedOmitsValueLengthField(t *testing.T) {
	t.Parallel()

	cfg := Config{Alignment: 4, ConstantlySizedEntry: true, ConstantValueSize: 4}
	e := newEntryLayout(cfg)

	key := []byte("k")
	value := []byte("abcd")

	buf := make([]byte, e.entrySize(len(key), len(value)))
	e.encode(buf, nil, key, value)

	gotKey, after := e.decodeKey(buf)
	require.Equal(t, key, gotKey)

	gotValue := e.decodeValue(buf, after, len(value))
	require.Equal(t, value, gotValue)
}

func TestEntryChunksRoundsUpToChunkSize(t *testing.T) {
	t.Parallel()

	cfg := Config{ChunkSize: 16, Alignment: 8, WorstAlignment: 8}
	e := newEntryLayout(cfg)

	chunks := e.entryChunks(3, 1)
	require.Equal(t, ceilDiv64(e.entrySize(3, 1), 16), chunks)
	require.Positive(t, chunks)
}
