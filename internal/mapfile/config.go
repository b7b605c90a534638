package mapfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	natomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/flowbyte/segkv/pkg/segkv"
)

// FileConfig is the on-disk, human-edited shape of a mapfile's tunables —
// JSON-with-comments, so operators can annotate a deployed config the way
// HuJSON-based config files elsewhere in this module allow.
type FileConfig struct {
	ChunkSize         uint32        `json:"chunk_size"`
	ChunksPerSegment  uint64        `json:"chunks_per_segment"`
	MaxChunksPerEntry uint64        `json:"max_chunks_per_entry"`
	MetaDataBytes     uint32        `json:"meta_data_bytes"`
	Alignment         uint32        `json:"alignment"`
	WorstAlignment    uint32        `json:"worst_alignment"`
	MaxEntries        uint64        `json:"max_entries"`
	KeyBits           int           `json:"key_bits"`
	LockTimeout       time.Duration `json:"lock_timeout_ms"`
	NumSegments       int           `json:"num_segments"`
}

// DefaultFileConfig mirrors [segkv.DefaultConfig] with a 4-segment layout,
// a reasonable starting point for LoadConfig callers with no file yet.
func DefaultFileConfig() FileConfig {
	d := segkv.DefaultConfig()

	return FileConfig{
		ChunkSize:         d.ChunkSize,
		ChunksPerSegment:  d.ChunksPerSegment,
		MaxChunksPerEntry: d.MaxChunksPerEntry,
		MetaDataBytes:     d.MetaDataBytes,
		Alignment:         d.Alignment,
		WorstAlignment:    d.WorstAlignment,
		MaxEntries:        d.MaxEntries,
		KeyBits:           d.KeyBits,
		LockTimeout:       d.LockTimeout / time.Millisecond,
		NumSegments:       4,
	}
}

// LoadConfig reads a HuJSON (JSON with comments and trailing commas)
// config file at path and merges it over DefaultFileConfig, following the
// permissive style of config loading the broader module stack favors:
// operators can leave any field unset and get a sane default.
func LoadConfig(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("mapfile: read config %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("mapfile: parse config %s: %w", path, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("mapfile: decode config %s: %w", path, err)
	}

	return cfg, nil
}

// ToSegkvConfig converts to the Config type segkv.NewSegment consumes.
func (c FileConfig) ToSegkvConfig() segkv.Config {
	return segkv.Config{
		ChunkSize:         c.ChunkSize,
		ChunksPerSegment:  c.ChunksPerSegment,
		MaxChunksPerEntry: c.MaxChunksPerEntry,
		MetaDataBytes:     c.MetaDataBytes,
		Alignment:         c.Alignment,
		WorstAlignment:    c.WorstAlignment,
		MaxEntries:        c.MaxEntries,
		KeyBits:           c.KeyBits,
		LockTimeout:       c.LockTimeout * time.Millisecond,
	}
}

// info is the small JSON snapshot WriteInfo persists alongside a mapfile —
// segment count, live entry totals, and when it was last written. It is
// cheap to regenerate and never read back by this package, purely an
// operator-facing artifact, which is exactly the kind of write
// atomic.WriteFile is for: a reader must never see a half-written file.
type info struct {
	NumSegments int      `json:"num_segments"`
	LenPerSeg   []uint64 `json:"len_per_segment"`
	TotalLen    uint64   `json:"total_len"`
}

// WriteInfo atomically (write-temp-then-rename) overwrites path with a
// snapshot of m's current segment occupancy.
func (m *Map) WriteInfo(path string) error {
	snap := info{NumSegments: len(m.segments)}

	for _, seg := range m.segments {
		n := seg.Size()
		snap.LenPerSeg = append(snap.LenPerSeg, n)
		snap.TotalLen += n
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("mapfile: marshal info: %w", err)
	}

	return natomic.WriteFile(path, bytes.NewReader(body))
}
