package segkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHashIndex(t *testing.T, keyBits int, capacity uint64) *hashIndex {
	t.Helper()

	valueBits := 16
	slotBits := keyBits + valueBits
	r := resolved{
		valueBits:    valueBits,
		slotBits:     slotBits,
		slotByteSize: slotWordSize(slotBits),
		capacityMask: capacity - 1,
		keyMask:      uint64(1)<<keyBits - 1,
		entryMask:    uint64(1)<<slotBits - 1,
	}

	data := make([]byte, capacity*r.slotByteSize)

	return newHashIndex(data, r, keyBits)
}

func TestHashIndexInsertFindRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 64)

	pos := h.insert(0x1234, 7)

	found, ok := h.find(0x1234, func(valuePos uint64) bool { return valuePos == 7 })
	require.True(t, ok)
	require.Equal(t, pos, found)
}

func TestHashIndexFindMissReturnsFalseAtEmptySlot(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 64)
	h.insert(0x1, 1)

	_, ok := h.find(0x2, func(uint64) bool { return true })
	require.False(t, ok)
}

func TestHashIndexLinearProbeStepsPastCollision(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 8)

	// Force two keys to the same initial slot by constructing hashes that
	// share the low 3 bits (capacityMask for an 8-slot table).
	posA := h.insert(0x08, 100)
	posB := h.insert(0x10, 200)

	require.Equal(t, h.hlPos(0x08), posA)
	require.NotEqual(t, posA, posB, "second insert must probe past the first")

	_, ok := h.find(0x10, func(v uint64) bool { return v == 200 })
	require.True(t, ok)
}

func TestHashIndexRemoveBackwardShiftKeepsChainReachable(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 8)

	// All three share the same ideal slot and occupy a contiguous run.
	posA := h.insert(0x08, 1)
	posB := h.insert(0x08, 2)
	posC := h.insert(0x08, 3)

	require.Equal(t, h.step(posA), posB)
	require.Equal(t, h.step(posB), posC)

	h.remove(posA)

	_, ok := h.find(0x08, func(v uint64) bool { return v == 2 })
	require.True(t, ok, "entry 2 must still be reachable after removing its predecessor")

	_, ok = h.find(0x08, func(v uint64) bool { return v == 3 })
	require.True(t, ok, "entry 3 must still be reachable after removing its predecessor")
}

func TestHashIndexCircularScanVisitsWrappedEntryExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 8)

	// All three share ideal slot 7 and occupy a contiguous run that wraps
	// across the table boundary: 7, then 0, then 1.
	posA := h.insert(0x07, 1)
	posB := h.insert(0x07, 2)
	posC := h.insert(0x07, 3)

	require.Equal(t, uint64(7), posA)
	require.Equal(t, uint64(0), posB)
	require.Equal(t, uint64(1), posC)

	start, ok := h.findEmptySlot()
	require.True(t, ok)
	require.Equal(t, uint64(2), start, "slot 2 is the first empty slot stepping from 0")

	// Walk the same circular, empty-slot-anchored scan ForEachRemoving
	// uses, removing the entry at slot 7 mid-walk. That remove backward-
	// shifts posB (slot 0) into the just-vacated slot 7, so the cursor
	// must hold at 7 for one more iteration to pick it up rather than
	// stepping past it, and every entry must still be visited exactly
	// once.
	visited := make(map[uint64]int)
	pos := start

	for first := true; first || pos != start; first = false {
		slot := h.load(pos)
		if slot == 0 {
			pos = h.step(pos)
			continue
		}

		v := h.unpackValue(slot)
		visited[v]++

		if v == 1 {
			h.remove(pos)
			require.Equal(t, uint64(2), h.unpackValue(h.load(pos)), "backward shift must move entry 2 into the vacated slot")

			continue
		}

		pos = h.step(pos)
	}

	require.Equal(t, map[uint64]int{1: 1, 2: 1, 3: 1}, visited, "each live entry must be visited exactly once across the wraparound")
}

func TestHashIndexPutValueVolatilePreservesPartialHash(t *testing.T) {
	t.Parallel()

	h := newTestHashIndex(t, 24, 64)

	pos := h.insert(0x555, 1)
	h.putValueVolatile(pos, 99)

	slot := h.load(pos)
	require.Equal(t, h.partialHash(0x555), h.unpackPartial(slot))
	require.Equal(t, uint64(99), h.unpackValue(slot))
}
