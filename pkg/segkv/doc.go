// Package segkv implements the segment-local storage, lock, and iteration
// machinery for a shared, persistent, off-heap hash map.
//
// A segkv [Segment] owns a fixed byte range handed to it by a caller that has
// already memory-mapped a backing file (segkv does not map files itself —
// that, together with key hashing and segment dispatch, is the job of the
// map façade layered on top; see the mapfile package for a worked example).
// Within that byte range a Segment lays out a lock-protected header, a
// packed open-addressed hash index, a chunk free-list bitset, and a chunk
// arena holding variable-length entries.
//
// # Concurrency
//
// Multiple OS processes may map the same file and construct their own
// [Segment] handle over the same bytes. Coordination between them happens
// entirely through the segment header's lock word; segkv has no
// internal goroutine pool and performs no I/O of its own — callers are the
// concurrency.
//
// Go has no first-class notion of "current OS thread" the way the source
// design assumes, so segkv replaces thread-local reentrancy with an explicit
// [Owner] token: each logical actor (conventionally one per goroutine)
// creates its own Owner and threads it through every [Segment] and
// [*Context] call. See DESIGN.md for the rationale.
//
// # Basic usage
//
//	seg, err := segkv.NewSegment(buf, segkv.Config{
//	    ChunkSize:         64,
//	    ChunksPerSegment:  1 << 16,
//	    MaxChunksPerEntry: 256,
//	    MaxEntries:        20000,
//	    Alignment:         8,
//	    WorstAlignment:    8,
//	    KeyBits:           24,
//	})
//	owner := segkv.NewOwner()
//	ctx, err := seg.NewContext(owner)
//	defer ctx.Close()
//
//	err = seg.Put(context.Background(), ctx, key, value)
//	value, found, err := seg.Get(context.Background(), ctx, key)
//
// # Error handling
//
// Errors fall into three buckets: surfaced sentinels callers are expected to
// handle ([ErrSegmentFull], [ErrEntryTooLarge], [ErrIllegalUpgrade],
// [ErrConcurrentAccess], [ErrStaleEntryAccess], [ErrLockTimeout]); fatal
// conditions that indicate a programming error and terminate the process
// ([ErrLockUnderflow], [ErrNestedContextExhausted]); and a non-error
// interruption status returned alongside partial results from scans.
package segkv
