package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// blockBuilder accumulates prefix-compressed entries for one block.
// Entry format: shared(uvarint) unshared(uvarint) valueLen(uvarint) unsharedKey value.
// The trailer lists the restart point offsets followed by their count.
type blockBuilder struct {
	buf                  bytes.Buffer
	restartPoints        []uint32
	restartPointInterval int
	numEntries           int
	lastKey              []byte
	firstKey             []byte
}

func newBlockBuilder(restartPointInterval int) *blockBuilder {
	if restartPointInterval <= 0 {
		restartPointInterval = DefaultRestartPointInterval
	}
	return &blockBuilder{restartPointInterval: restartPointInterval}
}

func (b *blockBuilder) add(key, value []byte) {
	isRestartPoint := b.numEntries%b.restartPointInterval == 0
	shared := 0
	if isRestartPoint {
		b.restartPoints = append(b.restartPoints, uint32(b.buf.Len()))
	} else {
		limit := min(len(key), len(b.lastKey))
		for shared < limit && key[shared] == b.lastKey[shared] {
			shared++
		}
	}
	if b.firstKey == nil {
		b.firstKey = append([]byte{}, key...)
	}

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(shared))
	b.buf.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(key)-shared))
	b.buf.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(value)))
	b.buf.Write(varintBuf[:n])
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++
}

// estimatedSize is the block size including the trailer written by finish.
func (b *blockBuilder) estimatedSize() int {
	return b.buf.Len() + 4*len(b.restartPoints) + 4
}

func (b *blockBuilder) empty() bool { return b.numEntries == 0 }

// finish appends the trailer and returns the raw block.
func (b *blockBuilder) finish() []byte {
	for _, off := range b.restartPoints {
		_ = binary.Write(&b.buf, binary.LittleEndian, off)
	}
	_ = binary.Write(&b.buf, binary.LittleEndian, uint32(len(b.restartPoints)))
	return b.buf.Bytes()
}

func (b *blockBuilder) reset() {
	b.buf.Reset()
	b.restartPoints = b.restartPoints[:0]
	b.numEntries = 0
	b.lastKey = b.lastKey[:0]
	b.firstKey = nil
}

// entriesData strips the restart trailer from a raw block.
func entriesData(block []byte) ([]byte, error) {
	if len(block) < 4 {
		return nil, fmt.Errorf("block of %d bytes has no trailer: %w", len(block), ErrCorrupted)
	}
	numRestartPoints := binary.LittleEndian.Uint32(block[len(block)-4:])
	trailerSize := int(numRestartPoints)*4 + 4
	if len(block) < trailerSize {
		return nil, fmt.Errorf("invalid block size %d, smaller than trailer size %d: %w", len(block), trailerSize, ErrCorrupted)
	}
	return block[:len(block)-trailerSize], nil
}

// BlockIterator walks the entries of one decoded block.
type BlockIterator struct {
	reader      *bytes.Reader
	previousKey []byte
	key         []byte
	value       []byte
	err         error
}

func newBlockIterator(entries []byte) *BlockIterator {
	return &BlockIterator{reader: bytes.NewReader(entries)}
}

func (bi *BlockIterator) Next() bool {
	if bi.err != nil || bi.reader.Len() == 0 {
		return false
	}
	sharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: read shared key length: %w", err)
		return false
	}
	unsharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: read unshared key length: %w", err)
		return false
	}
	valueLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: read value length: %w", err)
		return false
	}
	if sharedLen > uint64(len(bi.previousKey)) {
		bi.err = fmt.Errorf("block iterator: shared prefix %d exceeds previous key: %w", sharedLen, ErrCorrupted)
		return false
	}

	key := make([]byte, sharedLen+unsharedLen)
	copy(key, bi.previousKey[:sharedLen])
	if _, err := io.ReadFull(bi.reader, key[sharedLen:]); err != nil {
		bi.err = fmt.Errorf("block iterator: read key: %w", err)
		return false
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(bi.reader, value); err != nil {
		bi.err = fmt.Errorf("block iterator: read value for key %q: %w", key, err)
		return false
	}

	bi.key = key
	bi.value = value
	bi.previousKey = append(bi.previousKey[:0], key...)
	return true
}

func (bi *BlockIterator) Key() []byte   { return bi.key }
func (bi *BlockIterator) Value() []byte { return bi.value }
func (bi *BlockIterator) Error() error  { return bi.err }
