// Package mapfile is the demo map façade left out of segkv's scope: it
// owns the file, the mmap, the header, and dispatches keys to segments —
// everything segkv itself deliberately does not do (see package segkv's
// doc comment).
package mapfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	magic        = "SGKV"
	formatVer    = 1
	fileHeaderSz = 72
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// fileHeader is the fixed-size record at the start of every mapfile,
// describing how to reconstruct the segkv.Config and segment layout an
// existing file was created with. File mapping and header creation live
// outside segkv's own scope, in this façade package.
type fileHeader struct {
	numSegments      uint32
	segmentSize      uint64
	chunkSize        uint32
	chunksPerSegment uint64
	maxChunksPerEntry uint64
	metaDataBytes    uint32
	alignment        uint32
	worstAlignment   uint32
	maxEntries       uint64
	keyBits          uint32
}

func encodeFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderSz)
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVer)
	binary.LittleEndian.PutUint32(buf[8:12], h.numSegments)
	binary.LittleEndian.PutUint64(buf[12:20], h.segmentSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.chunkSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.chunksPerSegment)
	binary.LittleEndian.PutUint64(buf[32:40], h.maxChunksPerEntry)
	binary.LittleEndian.PutUint32(buf[40:44], h.metaDataBytes)
	binary.LittleEndian.PutUint32(buf[44:48], h.alignment)
	binary.LittleEndian.PutUint32(buf[48:52], h.worstAlignment)
	binary.LittleEndian.PutUint64(buf[52:60], h.maxEntries)
	binary.LittleEndian.PutUint32(buf[60:64], h.keyBits)

	crc := crc32.Checksum(buf[:64], crcTable)
	binary.LittleEndian.PutUint32(buf[64:68], crc)

	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	var h fileHeader

	if len(buf) < fileHeaderSz {
		return h, fmt.Errorf("mapfile: header truncated")
	}

	if string(buf[0:4]) != magic {
		return h, fmt.Errorf("mapfile: bad magic %q", buf[0:4])
	}

	if v := binary.LittleEndian.Uint32(buf[4:8]); v != formatVer {
		return h, fmt.Errorf("mapfile: unsupported version %d", v)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[64:68])
	gotCRC := crc32.Checksum(buf[:64], crcTable)

	if wantCRC != gotCRC {
		return h, fmt.Errorf("mapfile: header checksum mismatch")
	}

	h.numSegments = binary.LittleEndian.Uint32(buf[8:12])
	h.segmentSize = binary.LittleEndian.Uint64(buf[12:20])
	h.chunkSize = binary.LittleEndian.Uint32(buf[20:24])
	h.chunksPerSegment = binary.LittleEndian.Uint64(buf[24:32])
	h.maxChunksPerEntry = binary.LittleEndian.Uint64(buf[32:40])
	h.metaDataBytes = binary.LittleEndian.Uint32(buf[40:44])
	h.alignment = binary.LittleEndian.Uint32(buf[44:48])
	h.worstAlignment = binary.LittleEndian.Uint32(buf[48:52])
	h.maxEntries = binary.LittleEndian.Uint64(buf[52:60])
	h.keyBits = binary.LittleEndian.Uint32(buf[60:64])

	return h, nil
}
