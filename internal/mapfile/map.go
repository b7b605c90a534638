package mapfile

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/flowbyte/segkv/pkg/segkv"
)

// Map is a minimal multi-segment, mmap-backed key-value store built on top
// of [segkv.Segment]. It owns exactly what segkv does not: the file, the
// mapping, the header, and hashing a key to one of numSegments segments —
// segkv itself never does any of this.
type Map struct {
	file     *os.File
	data     []byte
	header   fileHeader
	segments []*segkv.Segment
	cfg      segkv.Config
}

// Create creates path fresh, sized for numSegments segments built from
// cfg, and mmaps it. The file is truncated to its final size up front and
// zero-filled by the OS, which is what every segment needs as its initial
// state (an all-zero lock word, hash index and bitset are all valid empty
// states — see [segkv.NewSegment]).
func Create(path string, cfg segkv.Config, numSegments int) (*Map, error) {
	if numSegments < 1 {
		return nil, fmt.Errorf("mapfile: numSegments must be >= 1: %w", segkv.ErrInvalidInput)
	}

	segmentSize, err := segkv.SegmentSize(cfg)
	if err != nil {
		return nil, err
	}

	totalSize := fileHeaderSz + uint64(numSegments)*segmentSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mapfile: create %s: %w", path, err)
	}

	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("mapfile: truncate %s: %w", path, err)
	}

	h := fileHeader{
		numSegments:       uint32(numSegments),
		segmentSize:       segmentSize,
		chunkSize:         cfg.ChunkSize,
		chunksPerSegment:  cfg.ChunksPerSegment,
		maxChunksPerEntry: cfg.MaxChunksPerEntry,
		metaDataBytes:     cfg.MetaDataBytes,
		alignment:         cfg.Alignment,
		worstAlignment:    cfg.WorstAlignment,
		maxEntries:        cfg.MaxEntries,
		keyBits:           uint32(cfg.KeyBits),
	}

	if _, err := f.WriteAt(encodeFileHeader(h), 0); err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("mapfile: write header: %w", err)
	}

	return mapOpenedFile(f, h, cfg)
}

// Open mmaps an existing mapfile and reconstructs its segments from the
// header it was created with.
func Open(path string) (*Map, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mapfile: open %s: %w", path, err)
	}

	hdrBuf := make([]byte, fileHeaderSz)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()

		return nil, fmt.Errorf("mapfile: read header: %w", err)
	}

	h, err := decodeFileHeader(hdrBuf)
	if err != nil {
		f.Close()

		return nil, err
	}

	cfg := segkv.Config{
		ChunkSize:            h.chunkSize,
		ChunksPerSegment:     h.chunksPerSegment,
		MaxChunksPerEntry:    h.maxChunksPerEntry,
		MetaDataBytes:        h.metaDataBytes,
		Alignment:            h.alignment,
		ConstantlySizedEntry: false,
		WorstAlignment:       h.worstAlignment,
		MaxEntries:           h.maxEntries,
		KeyBits:              int(h.keyBits),
	}

	return mapOpenedFile(f, h, cfg)
}

func mapOpenedFile(f *os.File, h fileHeader, cfg segkv.Config) (*Map, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mapfile: stat: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mapfile: mmap: %w", err)
	}

	m := &Map{file: f, data: data, header: h, cfg: cfg}

	for i := uint32(0); i < h.numSegments; i++ {
		start := fileHeaderSz + uint64(i)*h.segmentSize
		end := start + h.segmentSize

		seg, err := segkv.NewSegment(data[start:end], cfg)
		if err != nil {
			unix.Munmap(data)
			f.Close()

			return nil, fmt.Errorf("mapfile: segment %d: %w", i, err)
		}

		m.segments = append(m.segments, seg)
	}

	return m, nil
}

// Close unmaps the file and closes the descriptor. It does not fsync:
// callers that need durability on close should call Sync first.
func (m *Map) Close() error {
	err := unix.Munmap(m.data)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}

	return err
}

// Sync flushes the mapping back to disk.
func (m *Map) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// NewOwner allocates a fresh [segkv.Owner] for use against any segment in
// m.
func (m *Map) NewOwner() *segkv.Owner {
	return segkv.NewOwner()
}

func (m *Map) segmentFor(key []byte) *segkv.Segment {
	h := segkv.HashKey(key)

	return m.segments[h%uint64(len(m.segments))]
}

// withSegmentContext opens a short-lived root Context against the segment
// key dispatches to and runs fn with it, always closing the Context
// afterward. segkv's Owner/Context API is built for call chains that hold
// a Context open across several operations; a one-shot façade like this
// one is the simplest correct way to drive it per call.
func (m *Map) withSegmentContext(owner *segkv.Owner, key []byte, fn func(*segkv.Segment, *segkv.Context) error) error {
	seg := m.segmentFor(key)

	ctx, err := seg.NewContext(owner)
	if err != nil {
		return err
	}
	defer ctx.Close()

	return fn(seg, ctx)
}

// Put inserts or overwrites key's value.
func (m *Map) Put(owner *segkv.Owner, key, value []byte) error {
	return m.withSegmentContext(owner, key, func(seg *segkv.Segment, ctx *segkv.Context) error {
		return seg.Put(context.Background(), ctx, key, value)
	})
}

// Get returns a copy of key's value.
func (m *Map) Get(owner *segkv.Owner, key []byte) (value []byte, found bool, err error) {
	err = m.withSegmentContext(owner, key, func(seg *segkv.Segment, ctx *segkv.Context) error {
		value, found, err = seg.Get(context.Background(), ctx, key)

		return err
	})

	return value, found, err
}

// ContainsKey reports whether key is present.
func (m *Map) ContainsKey(owner *segkv.Owner, key []byte) (bool, error) {
	var found bool

	err := m.withSegmentContext(owner, key, func(seg *segkv.Segment, ctx *segkv.Context) error {
		var err error
		found, err = seg.ContainsKey(context.Background(), ctx, key)

		return err
	})

	return found, err
}

// Remove deletes key if present.
func (m *Map) Remove(owner *segkv.Owner, key []byte) (bool, error) {
	var removed bool

	err := m.withSegmentContext(owner, key, func(seg *segkv.Segment, ctx *segkv.Context) error {
		var err error
		removed, err = seg.Remove(context.Background(), ctx, key)

		return err
	})

	return removed, err
}

// Replace overwrites key's value only if already present.
func (m *Map) Replace(owner *segkv.Owner, key, value []byte) (bool, error) {
	var replaced bool

	err := m.withSegmentContext(owner, key, func(seg *segkv.Segment, ctx *segkv.Context) error {
		var err error
		replaced, err = seg.Replace(context.Background(), ctx, key, value)

		return err
	})

	return replaced, err
}

// Len returns the total live entry count across every segment.
func (m *Map) Len() uint64 {
	var total uint64
	for _, seg := range m.segments {
		total += seg.Size()
	}

	return total
}

// NumSegments returns how many segments this map was created with.
func (m *Map) NumSegments() int {
	return len(m.segments)
}

// ForEachRemoving scans every segment in turn, invoking fn once per live
// entry with a fresh [*segkv.View]. fn's return value works the same as
// [segkv.Segment.ForEachRemoving]'s: false stops the scan early, for that
// segment only — the walk still proceeds to the next segment rather than
// aborting the whole map, since "stop globally" and "stop this segment's
// chain" are different things a façade has to pick between, and segkv
// itself has no notion of multi-segment scans to defer to.
func (m *Map) ForEachRemoving(owner *segkv.Owner, fn func(key, value []byte, view *segkv.View) bool) error {
	for _, seg := range m.segments {
		ctx, err := seg.NewContext(owner)
		if err != nil {
			return err
		}

		err = seg.ForEachRemoving(context.Background(), ctx, owner, func(v *segkv.View) bool {
			key, _ := v.Key(owner)
			value, _ := v.Value(owner)

			return fn(key, value, v)
		})

		closeErr := ctx.Close()

		if err != nil {
			return err
		}

		if closeErr != nil {
			return closeErr
		}
	}

	return nil
}
