package segkv

import "encoding/binary"

// entryLayout is the segment's entry codec: the byte layout of a single
// key/value record inside its chunk run.
//
//	[ MetaDataBytes ][ key length varint ][ key ][ value length varint* ][ padding ][ value ]
//
// *the value length field is omitted when Config.ConstantlySizedEntry is
// set, since every value in the segment has the same length and the
// segment's own bookkeeping already knows it.
//
// entryLayout never touches the hash index or the allocator; it only maps
// (key, value) lengths to byte offsets and chunk counts within a run of
// bytes the caller already owns.
type entryLayout struct {
	cfg       Config
	chunkSize uint64
}

func newEntryLayout(cfg Config) entryLayout {
	return entryLayout{cfg: cfg, chunkSize: uint64(cfg.ChunkSize)}
}

// varintLen returns the number of bytes binary.PutUvarint would use to
// encode n.
func varintLen(n uint64) int {
	var buf [binary.MaxVarintLen64]byte

	return binary.PutUvarint(buf[:], n)
}

// sizeBeforeValue returns the number of bytes occupying the entry before
// the value's alignment padding begins: the meta-data block, the encoded
// key length, the key itself, and (for variably-sized entries) the encoded
// value length.
func (e entryLayout) sizeBeforeValue(keyLen, valueLen int) uint64 {
	n := uint64(e.cfg.MetaDataBytes)
	n += uint64(varintLen(uint64(keyLen)))
	n += uint64(keyLen)

	if !e.cfg.ConstantlySizedEntry {
		n += uint64(varintLen(uint64(valueLen)))
	}

	return n
}

// valueOffsetInEntry returns the byte offset of the value within the
// entry, after rounding sizeBeforeValue up to Config.Alignment.
func (e entryLayout) valueOffsetInEntry(keyLen, valueLen int) uint64 {
	return align(e.sizeBeforeValue(keyLen, valueLen), e.cfg.Alignment)
}

// entrySize returns the total number of bytes the entry occupies,
// including alignment padding before the value.
//
// For a variably-sized entry, segkv reserves Config.WorstAlignment-1 extra
// bytes beyond the exact fit: a later replaceValue with a same-length
// replacement value still shifts the value's start by up to alignment-1
// bytes if the new key were ever to differ in encoded-length (it never
// does for a replace of the same key, but entrySize must also bound
// in-place regrowth attempts before growValue falls back to a relocating
// grow), so the slack keeps that common case from always taking the
// relocating path.
func (e entryLayout) entrySize(keyLen, valueLen int) uint64 {
	size := e.valueOffsetInEntry(keyLen, valueLen) + uint64(valueLen)

	if !e.cfg.ConstantlySizedEntry {
		size += uint64(e.cfg.WorstAlignment) - 1
	}

	return size
}

// entryChunks returns the number of chunks entrySize rounds up to.
func (e entryLayout) entryChunks(keyLen, valueLen int) uint64 {
	return ceilDiv64(e.entrySize(keyLen, valueLen), e.chunkSize)
}

// encode writes meta, key and value into buf, which must be at least
// entrySize(len(key), len(value)) bytes. It returns the offset of value
// within buf, for recording alongside the chunk position if the caller
// needs fast access without re-decoding the key.
func (e entryLayout) encode(buf []byte, meta, key, value []byte) uint64 {
	off := 0

	if len(meta) > 0 {
		copy(buf[off:off+len(meta)], meta)
	}
	off += int(e.cfg.MetaDataBytes)

	off += binary.PutUvarint(buf[off:], uint64(len(key)))
	off += copy(buf[off:off+len(key)], key)

	if !e.cfg.ConstantlySizedEntry {
		off += binary.PutUvarint(buf[off:], uint64(len(value)))
	}

	valueOff := align(uint64(off), e.cfg.Alignment)
	copy(buf[valueOff:valueOff+uint64(len(value))], value)

	return valueOff
}

// decodeKey returns the key stored in buf and the byte offset immediately
// following its length-prefixed encoding (the start of the value-length
// field, or of alignment padding for a constantly-sized entry).
func (e entryLayout) decodeKey(buf []byte) (key []byte, after int) {
	off := int(e.cfg.MetaDataBytes)

	keyLen, n := binary.Uvarint(buf[off:])
	off += n

	key = buf[off : off+int(keyLen)]
	off += int(keyLen)

	return key, off
}

// decodeValue returns the value stored in buf, given the offset returned
// by decodeKey and, for constantly-sized entries, the fixed value length
// (ignored otherwise).
func (e entryLayout) decodeValue(buf []byte, afterKey int, constValueLen int) []byte {
	off := afterKey

	var valueLen int

	if e.cfg.ConstantlySizedEntry {
		valueLen = constValueLen
	} else {
		n, sz := binary.Uvarint(buf[off:])
		off += sz
		valueLen = int(n)
	}

	valueOff := align(uint64(off), e.cfg.Alignment)

	return buf[valueOff : valueOff+uint64(valueLen)]
}

// meta returns the raw meta-data block at the start of buf.
func (e entryLayout) meta(buf []byte) []byte {
	return buf[:e.cfg.MetaDataBytes]
}
