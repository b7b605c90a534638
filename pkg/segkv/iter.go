package segkv

import (
	"context"
)

// View is the single entry handed to a forEachRemoving predicate. It is
// only valid for the duration of that one predicate call: calling any
// method on it after the predicate returns, or after its own Remove was
// called, returns [ErrStaleEntryAccess]. Calling a method from an [Owner]
// other than the one driving the scan returns [ErrConcurrentAccess].
type View struct {
	seg   *Segment
	owner *Owner

	slotPos  uint64
	chunkPos uint64
	key      []byte
	value    []byte
	nChunks  uint64
	stale    bool
	removed  bool
}

func (v *View) check(owner *Owner) error {
	if owner != v.owner {
		return ErrConcurrentAccess
	}

	if v.stale || v.removed {
		return ErrStaleEntryAccess
	}

	return nil
}

// Key returns the entry's key. The returned slice aliases segment memory
// and must not be retained past the predicate call.
func (v *View) Key(owner *Owner) ([]byte, error) {
	if err := v.check(owner); err != nil {
		return nil, err
	}

	return v.key, nil
}

// Value returns the entry's current value. The returned slice aliases
// segment memory and must not be retained past the predicate call.
func (v *View) Value(owner *Owner) ([]byte, error) {
	if err := v.check(owner); err != nil {
		return nil, err
	}

	return v.value, nil
}

// ReplaceValue overwrites the entry's value in place. A shrinking entry
// returns its trailing chunks to the allocator; a growing entry takes the
// chunks right after its run when they are free, and otherwise relocates
// its chunk run. The scan's cursor is left
// exactly where it was: a relocating replace
// updates the hash slot in place via putValueVolatile, so the forward walk
// never needs to know the entry moved.
func (v *View) ReplaceValue(owner *Owner, value []byte) error {
	if err := v.check(owner); err != nil {
		return err
	}

	newChunks := v.seg.codec.entryChunks(len(v.key), len(value))
	if newChunks > v.seg.cfg.MaxChunksPerEntry {
		return ErrEntryTooLarge
	}

	if newChunks <= v.nChunks {
		buf := v.seg.entryBytes(v.chunkPos, v.nChunks)
		v.seg.codec.encode(buf, nil, v.key, value)
		v.seg.bits.clearRange(v.chunkPos+newChunks, v.chunkPos+v.nChunks)
		v.nChunks = newChunks
		v.value = append([]byte(nil), value...)

		return nil
	}

	growEnd := v.chunkPos + newChunks
	if growEnd <= v.seg.cfg.ChunksPerSegment && v.seg.bits.allClear(v.chunkPos+v.nChunks, growEnd) {
		v.seg.bits.setRange(v.chunkPos+v.nChunks, growEnd)
		v.seg.codec.encode(v.seg.entryBytes(v.chunkPos, newChunks), nil, v.key, value)
		v.nChunks = newChunks
		v.value = append([]byte(nil), value...)

		return nil
	}

	newPos, newHint, err := v.seg.bits.allocate(v.seg.nextHint.Load(), newChunks)
	if err != nil {
		return err
	}

	v.seg.nextHint.Store(newHint)
	v.seg.codec.encode(v.seg.entryBytes(newPos, newChunks), nil, v.key, value)
	v.seg.idx.putValueVolatile(v.slotPos, newPos)
	v.seg.nextHint.Store(v.seg.bits.free(v.chunkPos, v.nChunks, v.seg.nextHint.Load()))

	v.chunkPos = newPos
	v.nChunks = newChunks
	v.value = append([]byte(nil), value...)

	return nil
}

// Remove deletes the current entry; the scan then does not advance its
// cursor, so the backward-shifted successor (if any) is not skipped. After Remove,
// every other method on v returns [ErrStaleEntryAccess].
func (v *View) Remove(owner *Owner) error {
	if err := v.check(owner); err != nil {
		return err
	}

	v.seg.idx.remove(v.slotPos)
	v.seg.nextHint.Store(v.seg.bits.free(v.chunkPos, v.nChunks, v.seg.nextHint.Load()))
	v.seg.entries.Add(^uint64(0))
	v.seg.deleted.Add(1)

	v.removed = true

	return nil
}

// ForEachRemoving scans every live entry in the segment, invoking fn once
// per entry in hash-index slot order. fn returns true to keep scanning,
// false to stop early. The scan holds at least the update lock for its
// entire duration unless c already held write: concurrent in-place
// ReplaceValue/Remove calls from fn itself are safe (that is the point of
// the update lock), but nothing else may structurally mutate the segment
// while a scan is in progress.
//
// The walk advances linearly via step, not via hash probing: it must visit
// every occupied slot regardless of which key hashed there, unlike find's
// probe-chain walk. It cannot simply run from slot 0 to capacityMask,
// though: a removal during the scan backward-shifts later entries in their
// probe chain to fill the gap (see hashIndex.remove), and that shift can
// wrap a later entry across the table boundary into the very slot the scan
// just vacated — a plain pos++ walk would then revisit it. Anchoring the
// walk at an empty slot and treating the scan as circular (advance via
// step, stop on returning to the anchor) avoids that: nothing can ever
// backward-shift into the anchor itself, since an empty slot terminates
// every probe chain that could shift through it.
func (s *Segment) ForEachRemoving(goCtx context.Context, c *Context, owner *Owner, fn func(*View) bool) error {
	if owner == nil {
		return ErrInvalidInput
	}

	return s.withLevel(goCtx, c, levelUpdate, func() error {
		start, ok := s.idx.findEmptySlot()
		if !ok {
			// A fully-occupied table (reachable only once more than
			// MaxEntries entries were inserted, which insertNew does not
			// prevent) has no empty slot to anchor on; every slot is guaranteed live, so a plain
			// single pass in slot order is safe — no removal can ever
			// shift an entry past slot capacityMask back to slot 0,
			// because there is no gap left to shift into until fn itself
			// removes one.
			start = 0
		}

		pos := start

		for first := true; first || pos != start; first = false {
			slot := s.idx.load(pos)
			if slot == 0 {
				pos = s.idx.step(pos)

				continue
			}

			chunkPos := s.idx.unpackValue(slot)
			key := append([]byte(nil), s.keyAt(chunkPos)...)
			value := append([]byte(nil), s.valueAt(chunkPos)...)
			nChunks := s.codec.entryChunks(len(key), len(value))

			v := &View{
				seg:      s,
				owner:    owner,
				slotPos:  pos,
				chunkPos: chunkPos,
				key:      key,
				value:    value,
				nChunks:  nChunks,
			}

			keepGoing := fn(v)
			v.stale = true

			if v.removed {
				// The slot at pos was backward-shifted; whatever now
				// occupies pos must still be visited, so the cursor does
				// not advance this iteration.
			} else {
				pos = s.idx.step(pos)
			}

			if !keepGoing {
				return nil
			}
		}

		return nil
	})
}
