package mapfile_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbyte/segkv/internal/mapfile"
	"github.com/flowbyte/segkv/pkg/segkv"
)

func smallConfig() segkv.Config {
	return segkv.Config{
		ChunkSize:         16,
		ChunksPerSegment:  256,
		MaxChunksPerEntry: 16,
		Alignment:         8,
		WorstAlignment:    8,
		MaxEntries:        64,
		KeyBits:           24,
	}
}

func TestMapCreateOpenPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.segkv")

	m, err := mapfile.Create(path, smallConfig(), 2)
	require.NoError(t, err)

	owner := m.NewOwner()
	require.NoError(t, m.Put(owner, []byte("alpha"), []byte("one")))
	require.NoError(t, m.Put(owner, []byte("beta"), []byte("two")))
	require.NoError(t, m.Close())

	reopened, err := mapfile.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	owner2 := reopened.NewOwner()
	v, found, err := reopened.Get(owner2, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one"), v)

	require.Equal(t, uint64(2), reopened.Len())
	require.Equal(t, 2, reopened.NumSegments())
}

func TestMapCreateRejectsExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.segkv")

	m, err := mapfile.Create(path, smallConfig(), 1)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = mapfile.Create(path, smallConfig(), 1)
	require.Error(t, err)
}

func TestMapRemoveAndContainsKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.segkv")

	m, err := mapfile.Create(path, smallConfig(), 1)
	require.NoError(t, err)
	defer m.Close()

	owner := m.NewOwner()
	require.NoError(t, m.Put(owner, []byte("k"), []byte("v")))

	ok, err := m.ContainsKey(owner, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := m.Remove(owner, []byte("k"))
	require.NoError(t, err)
	require.True(t, removed)

	ok, err = m.ContainsKey(owner, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMapForEachRemovingWalksAllSegmentsAndRemoves(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.segkv")

	m, err := mapfile.Create(path, smallConfig(), 4)
	require.NoError(t, err)
	defer m.Close()

	owner := m.NewOwner()

	keys := []string{"apple", "apricot", "banana", "cherry"}
	for _, k := range keys {
		require.NoError(t, m.Put(owner, []byte(k), []byte(k)))
	}

	seen := map[string]string{}

	err = m.ForEachRemoving(owner, func(key, value []byte, v *segkv.View) bool {
		seen[string(key)] = string(value)

		if string(key) == "apple" || string(key) == "apricot" {
			require.NoError(t, v.Remove(owner))
		}

		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 4)

	require.Equal(t, uint64(2), m.Len())

	ok, err := m.ContainsKey(owner, []byte("banana"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.ContainsKey(owner, []byte("apple"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMapWriteInfoProducesReadableSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "store.segkv")

	m, err := mapfile.Create(path, smallConfig(), 2)
	require.NoError(t, err)
	defer m.Close()

	owner := m.NewOwner()
	require.NoError(t, m.Put(owner, []byte("k1"), []byte("v1")))

	infoPath := filepath.Join(dir, "store.info.json")
	require.NoError(t, m.WriteInfo(infoPath))

	raw, err := os.ReadFile(infoPath)
	require.NoError(t, err)

	var snap struct {
		NumSegments int      `json:"num_segments"`
		LenPerSeg   []uint64 `json:"len_per_segment"`
		TotalLen    uint64   `json:"total_len"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, 2, snap.NumSegments)
	require.Equal(t, uint64(1), snap.TotalLen)
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.hujson")
	body := `{
		// override just the chunk size, leave the rest default
		"chunk_size": 32,
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := mapfile.LoadConfig(path)
	require.NoError(t, err)

	defaults := mapfile.DefaultFileConfig()
	require.Equal(t, uint32(32), cfg.ChunkSize)
	require.Equal(t, defaults.MaxEntries, cfg.MaxEntries)
	require.Equal(t, defaults.NumSegments, cfg.NumSegments)
}
