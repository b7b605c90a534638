package segkv

import (
	"fmt"
	"math/bits"
	"time"
)

// Config is the set of tunables a [Segment] is constructed with. All fields
// are fixed for the lifetime of the backing file; segkv never resizes or
// rebalances a segment.
type Config struct {
	// ChunkSize is the byte size of one allocation unit.
	ChunkSize uint32

	// ChunksPerSegment is the number of chunks in the segment's entry arena.
	ChunksPerSegment uint64

	// MaxChunksPerEntry bounds how many chunks a single entry may occupy.
	// Allocation requests above this fail with [ErrEntryTooLarge].
	MaxChunksPerEntry uint64

	// MetaDataBytes is the number of caller-reserved bytes at the start of
	// every entry, before the encoded key size.
	MetaDataBytes uint32

	// Alignment is the power-of-two byte alignment applied to the value
	// offset within an entry.
	Alignment uint32

	// ConstantlySizedEntry indicates every value for this segment has the
	// same size, letting the codec compute entrySize without reserving
	// worst-case alignment padding. When set, ConstantValueSize must hold
	// that fixed length: the per-entry value-length varint is omitted from
	// the layout, so there is nowhere else to recover it from.
	ConstantlySizedEntry bool

	// ConstantValueSize is the fixed value length used by every entry when
	// ConstantlySizedEntry is set. Ignored otherwise.
	ConstantValueSize uint32

	// WorstAlignment sets the extra byte slack reserved per entry when
	// ConstantlySizedEntry is false (WorstAlignment-1 bytes, see
	// entryLayout.entrySize), because the value offset cannot be
	// precomputed before the key is known.
	WorstAlignment uint32

	// MaxEntries sizes the hash index: Capacity is the smallest power of
	// two >= ceil(1.5 * MaxEntries).
	MaxEntries uint64

	// KeyBits is the width, in bits, of the partial-hash field packed into
	// the low bits of every hash slot. 0 is reserved to mean "empty", so
	// effective key space is 2^KeyBits - 1.
	KeyBits int

	// LockTimeout bounds how long a blocking lock acquisition waits before
	// returning [ErrLockTimeout].
	LockTimeout time.Duration
}

// resolved holds values derived once from a [Config] and cached on the
// [Segment].
type resolved struct {
	valueBits     int
	slotBits      int
	slotByteSize  uint64
	capacity      uint64
	capacityMask  uint64
	keyMask       uint64
	entryMask     uint64
	headerSize    uint64
	hashTableSize uint64
	bitsetSize    uint64
	segmentSize   uint64
}

// DefaultConfig returns reasonable tunables for small-to-medium segments:
// 64-byte chunks, a 24-bit partial hash, and a 10ms lock timeout. Mirrors
// the teacher package's DefaultConfig-style convenience constructor
// (pkg/slotcache's defaultLoadFactor constant serves the same "don't make
// every caller pick a number" purpose).
func DefaultConfig() Config {
	return Config{
		ChunkSize:            64,
		ChunksPerSegment:     1 << 20,
		MaxChunksPerEntry:    4096,
		MetaDataBytes:        0,
		Alignment:            8,
		ConstantlySizedEntry: false,
		WorstAlignment:       8,
		MaxEntries:           1 << 18,
		KeyBits:              24,
		LockTimeout:          10 * time.Millisecond,
	}
}

// validate checks Config invariants and returns the derived, immutable
// layout values a Segment needs.
func (c Config) validate() (resolved, error) {
	var r resolved

	if c.ChunkSize == 0 {
		return r, fmt.Errorf("chunk_size must be >= 1: %w", ErrInvalidInput)
	}

	if c.ChunksPerSegment < 1 {
		return r, fmt.Errorf("chunks_per_segment must be >= 1: %w", ErrInvalidInput)
	}

	if c.MaxChunksPerEntry < 1 || c.MaxChunksPerEntry > c.ChunksPerSegment {
		return r, fmt.Errorf("max_chunks_per_entry must be in [1, chunks_per_segment]: %w", ErrInvalidInput)
	}

	if c.Alignment == 0 || c.Alignment&(c.Alignment-1) != 0 {
		return r, fmt.Errorf("alignment must be a power of two: %w", ErrInvalidInput)
	}

	if c.MaxEntries < 1 {
		return r, fmt.Errorf("max_entries must be >= 1: %w", ErrInvalidInput)
	}

	if c.KeyBits < 1 {
		return r, fmt.Errorf("key_bits must be >= 1: %w", ErrInvalidInput)
	}

	valueBits := bitsNeeded(c.ChunksPerSegment - 1)
	if valueBits == 0 {
		valueBits = 1
	}

	slotBits := c.KeyBits + valueBits
	if slotBits > maxSlotBits {
		return r, fmt.Errorf("key_bits(%d)+value_bits(%d) = %d exceeds %d: %w",
			c.KeyBits, valueBits, slotBits, maxSlotBits, ErrInvalidInput)
	}

	capacity := computeCapacity(c.MaxEntries)

	// The backward-shift deletion walk (hashindex.go) recomputes a slot's
	// ideal table position from its stored partial hash, not from the
	// original full hash, by masking with capacityMask. That only works if
	// capacityMask's bits are a subset of keyMask's bits, and the empty-slot
	// guard bit (set when a partial hash would otherwise collide with the
	// all-zero empty sentinel) needs a bit position above every bit
	// capacityMask inspects. Both require strictly more key bits than table
	// index bits.
	capacityBits := bits.OnesCount64(capacity - 1)
	if capacityBits >= c.KeyBits {
		return r, fmt.Errorf(
			"key_bits(%d) must exceed the table index width(%d) implied by max_entries(%d): %w",
			c.KeyBits, capacityBits, c.MaxEntries, ErrInvalidInput)
	}

	headerSize := uint64(segmentHeaderSize)
	slotByteSize := slotWordSize(slotBits)
	hashTableSize := align64(capacity * slotByteSize)
	bitsetSize := align64(ceilDiv64(c.ChunksPerSegment, 8))
	entrySpace := c.ChunksPerSegment * uint64(c.ChunkSize)

	r = resolved{
		valueBits:     valueBits,
		slotBits:      slotBits,
		slotByteSize:  slotByteSize,
		capacity:      capacity,
		capacityMask:  capacity - 1,
		keyMask:       uint64(1)<<c.KeyBits - 1,
		entryMask:     uint64(1)<<slotBits - 1,
		headerSize:    headerSize,
		hashTableSize: hashTableSize,
		bitsetSize:    bitsetSize,
		segmentSize:   roundSegmentSize(headerSize + hashTableSize + bitsetSize + entrySpace),
	}

	return r, nil
}

// SegmentSize returns the total byte size a [Segment] built from cfg
// requires, for callers that map their own file and need to know how many
// bytes to reserve per segment before calling [NewSegment].
func SegmentSize(cfg Config) (uint64, error) {
	r, err := cfg.validate()
	if err != nil {
		return 0, err
	}

	return r.segmentSize, nil
}

// bitsNeeded returns the number of bits needed to represent values in
// [0, maxValue], i.e. bits.Len64(maxValue).
func bitsNeeded(maxValue uint64) int {
	return bits.Len64(maxValue)
}
