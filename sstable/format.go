// Package sstable implements the region data-file format: sorted key/value
// entries in compressed, prefix-compressed blocks, followed by a sparse block
// index and a footer that records the first and last row keys so bulk-load
// boundary inference never has to decode a block.
package sstable

import "errors"

// MagicString terminates every data file.
const MagicString = "HFD-DATAFILE-V1"

const MagicStringLen = len(MagicString)

// HeaderSize is magic(4) + version(1) + compression(1).
const HeaderSize = 4 + 1 + 1

const (
	IndexOffsetSize    = 8
	IndexLenSize       = 4
	FirstKeyOffsetSize = 8
	FirstKeyLenSize    = 4
	LastKeyOffsetSize  = 8
	LastKeyLenSize     = 4
	EntryCountSize     = 8
)

// FooterFixedComponentSize is the footer without the magic string.
const FooterFixedComponentSize = IndexOffsetSize + IndexLenSize + FirstKeyOffsetSize + FirstKeyLenSize + LastKeyOffsetSize + LastKeyLenSize + EntryCountSize

const FooterSize = FooterFixedComponentSize + MagicStringLen

// BlockHeaderSize is the compression flag plus a CRC32 of the stored block.
const BlockHeaderSize = 1 + 4

// DefaultBlockSize is the target uncompressed block size.
const DefaultBlockSize = 4 * 1024

// DefaultRestartPointInterval is how often a full key is stored in a block.
const DefaultRestartPointInterval = 16

var (
	ErrCorrupted  = errors.New("data file is corrupted")
	ErrClosed     = errors.New("data file is closed")
	ErrOutOfOrder = errors.New("data file keys must be added in ascending order")
	ErrEmpty      = errors.New("data file has no entries")
)
