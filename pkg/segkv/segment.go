package segkv

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Segment is the complete off-heap key-value store over one fixed-layout
// byte range: the bitset allocator, the packed hash index, the entry codec
// and the lock word wired together, plus the Owner/Context reentrancy
// bookkeeping. Segment owns no file and no mapping of its own — the caller
// slices a []byte (typically a view into an mmap'd file) and hands it to
// [NewSegment]; everything from there on is pure in-memory bookkeeping over
// that slice.
//
// A Segment's methods are safe for concurrent use by multiple goroutines,
// each with its own [*Context], following the lock protocol in package doc.
type Segment struct {
	cfg Config
	res resolved
	buf []byte

	lock     lockWord
	entries  *atomic.Uint64
	deleted  *atomic.Uint64
	nextHint *atomic.Uint64

	bits  *bitset
	idx   *hashIndex
	codec entryLayout

	entryArena []byte

	mu        sync.Mutex
	openRoots map[uint64]*Context
}

// NewSegment validates cfg and constructs a Segment over buf, which must be
// at least as long as the layout cfg implies. buf's first use by
// a fresh segment must be zeroed; reopening an existing segment is the
// caller's responsibility (segkv does not format or validate a header
// magic/version — that belongs to the file-mapping layer above it, out of
// scope here).
func NewSegment(buf []byte, cfg Config) (*Segment, error) {
	res, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	if uint64(len(buf)) < res.segmentSize {
		return nil, fmt.Errorf("segkv: buffer too small: need %d bytes, got %d: %w",
			res.segmentSize, len(buf), ErrInvalidInput)
	}

	buf = buf[:res.segmentSize]

	header := buf[:segmentHeaderSize]
	hashEnd := res.headerSize + res.hashTableSize
	bitsetEnd := hashEnd + res.bitsetSize

	s := &Segment{
		cfg:        cfg,
		res:        res,
		buf:        buf,
		lock:       newLockWord(header),
		entries:    (*atomic.Uint64)(unsafe.Pointer(&header[offEntries])),
		deleted:    (*atomic.Uint64)(unsafe.Pointer(&header[offDeleted])),
		nextHint:   (*atomic.Uint64)(unsafe.Pointer(&header[offNextPosToSearchFrom])),
		bits:       newBitset(buf[hashEnd:bitsetEnd], cfg.ChunksPerSegment, cfg.MaxChunksPerEntry),
		idx:        newHashIndex(buf[res.headerSize:hashEnd], res, cfg.KeyBits),
		codec:      newEntryLayout(cfg),
		entryArena: buf[bitsetEnd:],
		openRoots:  make(map[uint64]*Context),
	}

	return s, nil
}

// NewContext opens a root lock session for owner against s. Only one root
// Context may be open per (Owner, Segment) pair at a time; a second call
// before the first is closed returns [ErrNestedOnSameSegment]. Use
// [Context.Nested] for reentrant call chains instead.
func (s *Segment) NewContext(owner *Owner) (*Context, error) {
	if owner == nil {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openRoots[owner.id]; exists {
		return nil, ErrNestedOnSameSegment
	}

	ctx := &Context{seg: s, owner: owner}
	s.openRoots[owner.id] = ctx

	return ctx, nil
}

// Size returns the current live entry count. Safe to call without holding
// any lock: entries is itself an atomic counter.
func (s *Segment) Size() uint64 {
	return s.entries.Load()
}

// Put inserts key/value, or overwrites the existing value for key in
// place (growing or relocating the entry's chunk run as needed). Acquires
// at least the update lock for the duration of the call unless c already
// holds it.
func (s *Segment) Put(goCtx context.Context, c *Context, key, value []byte) error {
	if len(key) == 0 {
		return ErrInvalidInput
	}

	return s.withLevel(goCtx, c, levelUpdate, func() error {
		hash := hashKey(key)

		slotPos, ok := s.idx.find(hash, func(valuePos uint64) bool {
			return bytes.Equal(s.keyAt(valuePos), key)
		})

		if ok {
			chunkPos := s.idx.unpackValue(s.idx.load(slotPos))

			return s.replaceAt(slotPos, chunkPos, key, value)
		}

		return s.insertNew(hash, key, value)
	})
}

// Get returns a copy of the value stored for key. The returned slice is a
// copy because the entry it was read from may be relocated or overwritten
// the instant the caller's lock is released.
func (s *Segment) Get(goCtx context.Context, c *Context, key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrInvalidInput
	}

	err = s.withLevel(goCtx, c, levelRead, func() error {
		hash := hashKey(key)

		slotPos, ok := s.idx.find(hash, func(valuePos uint64) bool {
			return bytes.Equal(s.keyAt(valuePos), key)
		})
		if !ok {
			return nil
		}

		chunkPos := s.idx.unpackValue(s.idx.load(slotPos))
		v := s.valueAt(chunkPos)

		value = append([]byte(nil), v...)
		found = true

		return nil
	})

	return value, found, err
}

// ContainsKey reports whether key is present, without copying its value.
func (s *Segment) ContainsKey(goCtx context.Context, c *Context, key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrInvalidInput
	}

	var found bool

	err := s.withLevel(goCtx, c, levelRead, func() error {
		hash := hashKey(key)

		_, ok := s.idx.find(hash, func(valuePos uint64) bool {
			return bytes.Equal(s.keyAt(valuePos), key)
		})
		found = ok

		return nil
	})

	return found, err
}

// Remove deletes key if present, backward-shifting its hash-index probe
// chain and returning its chunks to the allocator. Acquires at least the
// update lock unless c already holds it.
func (s *Segment) Remove(goCtx context.Context, c *Context, key []byte) (removed bool, err error) {
	if len(key) == 0 {
		return false, ErrInvalidInput
	}

	err = s.withLevel(goCtx, c, levelUpdate, func() error {
		hash := hashKey(key)

		slotPos, ok := s.idx.find(hash, func(valuePos uint64) bool {
			return bytes.Equal(s.keyAt(valuePos), key)
		})
		if !ok {
			return nil
		}

		chunkPos := s.idx.unpackValue(s.idx.load(slotPos))
		k := s.keyAt(chunkPos)
		v := s.valueAt(chunkPos)
		nChunks := s.codec.entryChunks(len(k), len(v))

		s.idx.remove(slotPos)

		s.nextHint.Store(s.bits.free(chunkPos, nChunks, s.nextHint.Load()))
		s.entries.Add(^uint64(0))
		s.deleted.Add(1)
		removed = true

		return nil
	})

	return removed, err
}

// Replace overwrites the value for key only if key is already present,
// reporting whether a replacement happened. Acquires at least the update
// lock unless c already holds it.
func (s *Segment) Replace(goCtx context.Context, c *Context, key, value []byte) (replaced bool, err error) {
	if len(key) == 0 {
		return false, ErrInvalidInput
	}

	err = s.withLevel(goCtx, c, levelUpdate, func() error {
		hash := hashKey(key)

		slotPos, ok := s.idx.find(hash, func(valuePos uint64) bool {
			return bytes.Equal(s.keyAt(valuePos), key)
		})
		if !ok {
			return nil
		}

		chunkPos := s.idx.unpackValue(s.idx.load(slotPos))
		if err := s.replaceAt(slotPos, chunkPos, key, value); err != nil {
			return err
		}

		replaced = true

		return nil
	})

	return replaced, err
}

// Clear empties the segment: every hash-index slot and allocator bit is
// reset and the entry/deleted counters return to zero. Acquires the write
// lock unless c already holds it.
func (s *Segment) Clear(goCtx context.Context, c *Context) error {
	return s.withLevel(goCtx, c, levelWrite, func() error {
		clearBytes(s.idx.data)
		clearBytes(s.bits.data)
		s.entries.Store(0)
		s.deleted.Store(0)
		s.nextHint.Store(0)

		return nil
	})
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// withLevel ensures c holds at least want before running fn, auto-releasing
// back to unlocked afterward if this call was the one that acquired it. A
// context that already holds want or higher (e.g. a caller batching several
// point operations under one explicit Write) is left exactly as it was.
func (s *Segment) withLevel(goCtx context.Context, c *Context, want lockLevel, fn func() error) error {
	if c == nil || c.seg != s {
		return ErrInvalidInput
	}

	r := c.root()
	already := r.sharedLevel() >= want

	if !already {
		var err error

		switch want {
		case levelRead:
			err = c.Read(goCtx)
		case levelUpdate:
			err = c.Update(goCtx)
		case levelWrite:
			err = c.Write(goCtx)
		case levelUnlocked:
		}

		if err != nil {
			return err
		}
	}

	err := fn()

	if !already {
		if rerr := c.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}

	return err
}

func (s *Segment) insertNew(hash uint64, key, value []byte) error {
	nChunks := s.codec.entryChunks(len(key), len(value))
	if nChunks > s.cfg.MaxChunksPerEntry {
		return ErrEntryTooLarge
	}

	chunkPos, newHint, err := s.bits.allocate(s.nextHint.Load(), nChunks)
	if err != nil {
		return err
	}

	s.nextHint.Store(newHint)
	s.codec.encode(s.entryBytes(chunkPos, nChunks), nil, key, value)
	s.idx.insert(hash, chunkPos)
	s.entries.Add(1)

	return nil
}

// replaceAt overwrites the entry at oldChunkPos with key/value, reusing the
// existing chunk run in place when it still fits (returning any trailing
// chunks it no longer needs), extending it in place when the chunks right
// after it are free, and otherwise relocating to a fresh run (updating the
// hash slot's chunk position).
func (s *Segment) replaceAt(slotPos, oldChunkPos uint64, key, value []byte) error {
	oldKey := s.keyAt(oldChunkPos)
	oldValue := s.valueAt(oldChunkPos)
	oldChunks := s.codec.entryChunks(len(oldKey), len(oldValue))
	newChunks := s.codec.entryChunks(len(key), len(value))

	if newChunks > s.cfg.MaxChunksPerEntry {
		return ErrEntryTooLarge
	}

	if newChunks <= oldChunks {
		s.codec.encode(s.entryBytes(oldChunkPos, oldChunks), nil, key, value)
		s.bits.clearRange(oldChunkPos+newChunks, oldChunkPos+oldChunks)

		return nil
	}

	growEnd := oldChunkPos + newChunks
	if growEnd <= s.cfg.ChunksPerSegment && s.bits.allClear(oldChunkPos+oldChunks, growEnd) {
		s.bits.setRange(oldChunkPos+oldChunks, growEnd)
		s.codec.encode(s.entryBytes(oldChunkPos, newChunks), nil, key, value)

		return nil
	}

	newPos, newHint, err := s.bits.allocate(s.nextHint.Load(), newChunks)
	if err != nil {
		return err
	}

	s.nextHint.Store(newHint)
	s.codec.encode(s.entryBytes(newPos, newChunks), nil, key, value)
	s.idx.putValueVolatile(slotPos, newPos)
	s.nextHint.Store(s.bits.free(oldChunkPos, oldChunks, s.nextHint.Load()))

	return nil
}

func (s *Segment) entryBytes(chunkPos, nChunks uint64) []byte {
	start := chunkPos * uint64(s.cfg.ChunkSize)
	end := start + nChunks*uint64(s.cfg.ChunkSize)

	return s.entryArena[start:end]
}

func (s *Segment) keyAt(chunkPos uint64) []byte {
	start := chunkPos * uint64(s.cfg.ChunkSize)
	key, _ := s.codec.decodeKey(s.entryArena[start:])

	return key
}

func (s *Segment) valueAt(chunkPos uint64) []byte {
	start := chunkPos * uint64(s.cfg.ChunkSize)
	_, after := s.codec.decodeKey(s.entryArena[start:])

	return s.codec.decodeValue(s.entryArena[start:], after, int(s.cfg.ConstantValueSize))
}

// HashKey is the FNV-1a 64-bit hash segkv uses internally to place keys in
// a segment's hash index. Exported so a caller dispatching keys across
// multiple segments (outside segkv's scope, see package doc) can reuse the
// same hash rather than inventing a second one.
func HashKey(key []byte) uint64 {
	return hashKey(key)
}

// hashKey is the FNV-1a 64-bit hash used to place keys in the hash index.
func hashKey(key []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)

	for _, b := range key {
		h ^= uint64(b)
		h *= prime64
	}

	return h
}
