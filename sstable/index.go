package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// BlockIndexEntry points at one data block.
type BlockIndexEntry struct {
	FirstKey    []byte
	BlockOffset int64
	BlockLength uint32
}

// indexBuilder collects block entries while the writer flushes blocks.
type indexBuilder struct {
	entries []BlockIndexEntry
}

func (ib *indexBuilder) add(firstKey []byte, offset int64, length uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{FirstKey: firstKey, BlockOffset: offset, BlockLength: length})
}

// build serializes the index as a CRC32 followed by
// keyLen(uint32) key offset(int64) length(uint32) per entry.
func (ib *indexBuilder) build() []byte {
	var body bytes.Buffer
	for _, e := range ib.entries {
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(e.FirstKey)))
		body.Write(e.FirstKey)
		_ = binary.Write(&body, binary.LittleEndian, e.BlockOffset)
		_ = binary.Write(&body, binary.LittleEndian, e.BlockLength)
	}
	out := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(body.Bytes()))
	copy(out[4:], body.Bytes())
	return out
}

func decodeIndex(data []byte) ([]BlockIndexEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index of %d bytes: %w", len(data), ErrCorrupted)
	}
	want := binary.LittleEndian.Uint32(data)
	body := data[4:]
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("index checksum mismatch (want %08x, got %08x): %w", want, got, ErrCorrupted)
	}

	var entries []BlockIndexEntry
	for off := 0; off < len(body); {
		if off+4 > len(body) {
			return nil, fmt.Errorf("truncated index entry: %w", ErrCorrupted)
		}
		keyLen := int(binary.LittleEndian.Uint32(body[off:]))
		off += 4
		if off+keyLen+12 > len(body) {
			return nil, fmt.Errorf("index key length exceeds data bounds: %w", ErrCorrupted)
		}
		key := body[off : off+keyLen]
		off += keyLen
		blockOffset := int64(binary.LittleEndian.Uint64(body[off:]))
		off += 8
		blockLength := binary.LittleEndian.Uint32(body[off:])
		off += 4
		entries = append(entries, BlockIndexEntry{FirstKey: key, BlockOffset: blockOffset, BlockLength: blockLength})
	}
	return entries, nil
}
