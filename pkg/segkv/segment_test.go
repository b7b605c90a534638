package segkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbyte/segkv/pkg/segkv/model"
)

func smallTestConfig() Config {
	return Config{
		ChunkSize:            16,
		ChunksPerSegment:     256,
		MaxChunksPerEntry:    16,
		MetaDataBytes:        0,
		Alignment:            8,
		ConstantlySizedEntry: false,
		WorstAlignment:       8,
		MaxEntries:           64,
		KeyBits:              24,
		LockTimeout:          50 * time.Millisecond,
	}
}

func newTestSegment(t *testing.T, cfg Config) *Segment {
	t.Helper()

	res, err := cfg.validate()
	require.NoError(t, err)

	seg, err := NewSegment(make([]byte, res.segmentSize), cfg)
	require.NoError(t, err)

	return seg
}

func TestSegmentPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("alpha"), []byte("one")))
	require.NoError(t, seg.Put(context.Background(), ctx, []byte("beta"), []byte("two")))

	v, found, err := seg.Get(context.Background(), ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one"), v)

	_, found, err = seg.Get(context.Background(), ctx, []byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	require.Equal(t, uint64(2), seg.Size())
}

func TestSegmentPutOverwritesExistingKey(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k"), []byte("v1")))
	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k"), []byte("a much longer value than before")))

	v, found, err := seg.Get(context.Background(), ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a much longer value than before"), v)
	require.Equal(t, uint64(1), seg.Size())
}

func TestSegmentRemoveAndReinsert(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k2"), []byte("v2")))

	removed, err := seg.Remove(context.Background(), ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, removed)

	_, found, err := seg.Get(context.Background(), ctx, []byte("k1"))
	require.NoError(t, err)
	require.False(t, found)

	v, found, err := seg.Get(context.Background(), ctx, []byte("k2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k3"), []byte("v3")))

	v, found, err = seg.Get(context.Background(), ctx, []byte("k3"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v3"), v)
}

func TestSegmentReplaceOnlyAffectsExistingKeys(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	replaced, err := seg.Replace(context.Background(), ctx, []byte("absent"), []byte("x"))
	require.NoError(t, err)
	require.False(t, replaced)

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("present"), []byte("old")))

	replaced, err = seg.Replace(context.Background(), ctx, []byte("present"), []byte("new"))
	require.NoError(t, err)
	require.True(t, replaced)

	v, _, err := seg.Get(context.Background(), ctx, []byte("present"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestSegmentForEachRemovingCanRemoveDuringScan(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	for _, k := range keys {
		require.NoError(t, seg.Put(context.Background(), ctx, k, k))
	}

	var visited int

	err = seg.ForEachRemoving(context.Background(), ctx, owner, func(v *View) bool {
		visited++

		k, kerr := v.Key(owner)
		require.NoError(t, kerr)

		if string(k) == "b" || string(k) == "d" {
			require.NoError(t, v.Remove(owner))
		}

		return true
	})
	require.NoError(t, err)
	require.Equal(t, 4, visited)
	require.Equal(t, uint64(2), seg.Size())

	_, found, err := seg.Get(context.Background(), ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = seg.Get(context.Background(), ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSegmentForEachRemovingReplaceValueGrowsEntry(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, seg.Put(context.Background(), ctx, []byte("k"), []byte("v")))

	bigger := make([]byte, 40)
	for i := range bigger {
		bigger[i] = byte('x')
	}

	err = seg.ForEachRemoving(context.Background(), ctx, owner, func(v *View) bool {
		require.NoError(t, v.ReplaceValue(owner, bigger))

		return true
	})
	require.NoError(t, err)

	v, found, err := seg.Get(context.Background(), ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, bigger, v)
}

func TestContextIllegalUpgradeFromReadIsRejected(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, ctx.Read(context.Background()))
	err = ctx.Update(context.Background())
	require.ErrorIs(t, err, ErrIllegalUpgrade)

	require.NoError(t, ctx.Release())
	require.NoError(t, ctx.Update(context.Background()))
}

func TestSegmentNewContextRejectsSecondRootForSameOwner(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()

	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	_, err = seg.NewContext(owner)
	require.ErrorIs(t, err, ErrNestedOnSameSegment)
}

func TestContextNestedFrameDoesNotReleaseParentLock(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, ctx.Update(context.Background()))

	child, err := ctx.Nested()
	require.NoError(t, err)
	require.NoError(t, child.Close())

	// The root's update lock must still be held: a second owner trying to
	// acquire update must time out.
	otherOwner := NewOwner()
	otherSeg := seg
	otherCtx, err := otherSeg.NewContext(otherOwner)
	require.NoError(t, err)
	defer otherCtx.Close()

	deadlineCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = otherCtx.Update(deadlineCtx)
	require.True(t, errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrInterrupted))
}

// TestSegmentAgreesWithModel drives a short deterministic operation
// sequence through both a real Segment and the plain in-memory model and
// asserts their observable state matches at the end.
func TestSegmentAgreesWithModel(t *testing.T) {
	t.Parallel()

	seg := newTestSegment(t, smallTestConfig())
	owner := NewOwner()
	ctx, err := seg.NewContext(owner)
	require.NoError(t, err)
	defer ctx.Close()

	ref := model.New()

	apply := func(key, value []byte) {
		require.NoError(t, seg.Put(context.Background(), ctx, key, value))
		ref.Put(key, value)
	}

	apply([]byte("x"), []byte("1"))
	apply([]byte("y"), []byte("2"))
	apply([]byte("x"), []byte("11"))

	removed, err := seg.Remove(context.Background(), ctx, []byte("y"))
	require.NoError(t, err)
	require.True(t, removed)
	ref.Remove([]byte("y"))

	apply([]byte("z"), []byte("3"))

	got := map[string]string{}

	err = seg.ForEachRemoving(context.Background(), ctx, owner, func(v *View) bool {
		k, _ := v.Key(owner)
		val, _ := v.Value(owner)
		got[string(k)] = string(val)

		return true
	})
	require.NoError(t, err)

	require.Equal(t, ref.Snapshot(), got)
}
