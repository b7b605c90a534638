package segkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBitset(t *testing.T, nBits, maxRun uint64) *bitset {
	t.Helper()

	return newBitset(make([]byte, ceilDiv64(nBits, 8)), nBits, maxRun)
}

func TestBitsetAllocateFindsFirstRun(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 64, 8)

	pos, hint, err := b.allocate(0, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)
	require.Equal(t, uint64(3), hint)

	pos, _, err = b.allocate(hint, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), pos)
}

func TestBitsetAllocateWrapsWhenHintTailIsFull(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 16, 8)
	b.setRange(10, 16)

	pos, _, err := b.allocate(10, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)
}

func TestBitsetAllocateTooLargeFails(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 16, 4)

	_, _, err := b.allocate(0, 5)
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestBitsetAllocateFullFails(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 8, 8)
	b.setRange(0, 8)

	_, _, err := b.allocate(0, 1)
	require.ErrorIs(t, err, ErrSegmentFull)
}

func TestBitsetHintAdvancesOnlyWhenConsumed(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 32, 8)

	// A 2-chunk allocation starting exactly at hint consumes the hint bit,
	// so the hint should advance past it.
	_, hint, err := b.allocate(4, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(6), hint)

	// Now free a hole earlier than hint and allocate a single chunk
	// elsewhere: single-chunk allocations always advance the hint,
	// regardless of where they land.
	b.clear(0)
	_, hint2, err := b.allocate(hint, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(7), hint2)
}

func TestBitsetFreeMovesHintBackward(t *testing.T) {
	t.Parallel()

	b := newTestBitset(t, 16, 8)
	b.setRange(0, 10)

	newHint := b.free(2, 3, 8)
	require.Equal(t, uint64(2), newHint)
	require.True(t, b.allClear(2, 5))

	// Freeing something after the current hint must not move it backward.
	newHint2 := b.free(8, 2, 2)
	require.Equal(t, uint64(2), newHint2)
}
