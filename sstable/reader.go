package sstable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusrestore/compressors"
	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader gives access to one data file. Opening reads only the header, the
// footer, the key range and the block index.
type Reader struct {
	file        storage.File
	path        string
	compression core.CompressionType
	compressor  core.Compressor
	index       []BlockIndexEntry
	firstKey    []byte
	lastKey     []byte
	entryCount  uint64
	logger      *slog.Logger
	closed      atomic.Bool
}

var _ core.DataFile = (*Reader)(nil)

// ReaderOptions configures Open.
type ReaderOptions struct {
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Open validates and opens the data file at path on fs.
func Open(ctx context.Context, fs storage.FileSystem, path string, opts ReaderOptions) (r *Reader, err error) {
	if opts.Tracer != nil {
		var span trace.Span
		ctx, span = opts.Tracer.Start(ctx, "DataFile.Open")
		span.SetAttributes(attribute.String("datafile.path", path))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	file, err := fs.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	size := file.Size()
	if size < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("data file %s is too small to be valid (size: %d): %w", path, size, ErrCorrupted)
	}

	var header [HeaderSize]byte
	if _, err := file.ReadAt(header[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read data file header of %s: %w", path, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != core.DataFileMagicNumber {
		return nil, fmt.Errorf("invalid data file magic number in %s. Got: %x, Want: %x: %w", path, magic, core.DataFileMagicNumber, ErrCorrupted)
	}
	if header[4] != core.FormatVersion {
		return nil, fmt.Errorf("unsupported data file version in %s. Got: %d, Want: %d", path, header[4], core.FormatVersion)
	}
	compression := core.CompressionType(header[5])
	compressor, err := compressors.New(compression)
	if err != nil {
		return nil, fmt.Errorf("data file %s: %w", path, err)
	}

	footer := make([]byte, FooterSize)
	if _, err := file.ReadAt(footer, size-int64(FooterSize)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read data file footer of %s: %w", path, err)
	}
	if string(footer[FooterFixedComponentSize:]) != MagicString {
		return nil, fmt.Errorf("invalid magic string in %s: %w", path, ErrCorrupted)
	}

	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	indexLen := binary.LittleEndian.Uint32(footer[8:])
	firstKeyOffset := int64(binary.LittleEndian.Uint64(footer[12:]))
	firstKeyLen := binary.LittleEndian.Uint32(footer[20:])
	lastKeyOffset := int64(binary.LittleEndian.Uint64(footer[24:]))
	lastKeyLen := binary.LittleEndian.Uint32(footer[32:])
	entryCount := binary.LittleEndian.Uint64(footer[36:])

	metaEnd := size - int64(FooterSize)
	if indexOffset < HeaderSize || !withinMeta(indexOffset, indexLen, metaEnd) ||
		firstKeyOffset < indexOffset || !withinMeta(firstKeyOffset, firstKeyLen, metaEnd) ||
		lastKeyOffset < indexOffset || !withinMeta(lastKeyOffset, lastKeyLen, metaEnd) {
		return nil, fmt.Errorf("footer offsets of %s out of range: %w", path, ErrCorrupted)
	}

	meta := make([]byte, metaEnd-indexOffset)
	if _, err := file.ReadAt(meta, indexOffset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read data file metadata of %s: %w", path, err)
	}
	index, err := decodeIndex(meta[:indexLen])
	if err != nil {
		return nil, fmt.Errorf("data file %s: %w", path, err)
	}
	rel := func(off int64, n uint32) []byte {
		start := off - indexOffset
		return append([]byte{}, meta[start:start+int64(n)]...)
	}

	return &Reader{
		file:        file,
		path:        path,
		compression: compression,
		compressor:  compressor,
		index:       index,
		firstKey:    rel(firstKeyOffset, firstKeyLen),
		lastKey:     rel(lastKeyOffset, lastKeyLen),
		entryCount:  entryCount,
		logger:      opts.Logger.With("component", "DataFileReader", "path", path),
	}, nil
}

func (r *Reader) FirstRowKey() []byte { return r.firstKey }

func (r *Reader) LastRowKey() []byte { return r.lastKey }

func (r *Reader) EntryCount() uint64 { return r.entryCount }

func (r *Reader) CompressionType() core.CompressionType { return r.compression }

func (r *Reader) BlockCount() int { return len(r.index) }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.file.Close()
}

func (r *Reader) readBlock(e BlockIndexEntry) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if e.BlockLength < BlockHeaderSize {
		return nil, fmt.Errorf("block at %d too short: %w", e.BlockOffset, ErrCorrupted)
	}
	buf := make([]byte, e.BlockLength)
	if _, err := r.file.ReadAt(buf, e.BlockOffset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read block at %d: %w", e.BlockOffset, err)
	}
	stored := buf[BlockHeaderSize:]
	if got, want := crc32.ChecksumIEEE(stored), binary.LittleEndian.Uint32(buf[1:5]); got != want {
		return nil, fmt.Errorf("block at %d checksum mismatch: %w", e.BlockOffset, ErrCorrupted)
	}
	if core.CompressionType(buf[0]) != r.compression {
		return nil, fmt.Errorf("block at %d compressed with %s, file header says %s: %w", e.BlockOffset, core.CompressionType(buf[0]), r.compression, ErrCorrupted)
	}
	rc, err := r.compressor.Decompress(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at %d: %w", e.BlockOffset, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at %d: %w", e.BlockOffset, err)
	}
	return raw, nil
}

// Iterator walks every entry of a data file in key order.
type Iterator struct {
	r     *Reader
	next  int
	block *BlockIterator
	err   error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r}
}

func (it *Iterator) Next() bool {
	for it.err == nil {
		if it.block != nil {
			if it.block.Next() {
				return true
			}
			if err := it.block.Error(); err != nil {
				it.err = err
				return false
			}
		}
		if it.next >= len(it.r.index) {
			return false
		}
		raw, err := it.r.readBlock(it.r.index[it.next])
		if err != nil {
			it.err = err
			return false
		}
		entries, err := entriesData(raw)
		if err != nil {
			it.err = err
			return false
		}
		it.block = newBlockIterator(entries)
		it.next++
	}
	return false
}

func (it *Iterator) Key() []byte   { return it.block.Key() }
func (it *Iterator) Value() []byte { return it.block.Value() }
func (it *Iterator) Error() error  { return it.err }

// Opener opens data files by URI. It satisfies the bulk-load boundary
// inference's file reader dependency.
type Opener struct {
	Resolver storage.PathResolver
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

func (o *Opener) Open(ctx context.Context, uri string) (core.DataFile, error) {
	fs, path, err := o.Resolver.Resolve(uri)
	if err != nil {
		return nil, err
	}
	r, err := Open(ctx, fs, path, ReaderOptions{Tracer: o.Tracer, Logger: o.Logger})
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			return nil, &core.InconsistentArchiveError{Path: uri, Message: err.Error()}
		}
		return nil, err
	}
	return r, nil
}

// withinMeta reports whether n bytes at off end at or before metaEnd.
func withinMeta(off int64, n uint32, metaEnd int64) bool {
	return off >= 0 && off <= metaEnd && int64(n) <= metaEnd-off
}
