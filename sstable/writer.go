package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrestore/compressors"
	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WriterOptions configures a data file writer.
type WriterOptions struct {
	FS                   storage.FileSystem
	Path                 string
	Compressor           core.Compressor // nil means no compression
	BlockSize            int
	RestartPointInterval int
	Tracer               trace.Tracer
	Logger               *slog.Logger
}

// Writer builds one data file. Keys must arrive in non-decreasing byte order.
type Writer struct {
	mu         sync.Mutex
	ctx        context.Context
	path       string
	out        io.WriteCloser
	offset     int64
	compressor core.Compressor
	blockSize  int

	block      *blockBuilder
	index      indexBuilder
	firstKey   []byte
	lastKey    []byte
	entryCount uint64
	done       bool

	tracer trace.Tracer
	logger *slog.Logger
}

// NewWriter creates the file and writes its header.
func NewWriter(ctx context.Context, opts WriterOptions) (*Writer, error) {
	if opts.FS == nil {
		return nil, fmt.Errorf("data file writer for %s: no filesystem", opts.Path)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		opts.Compressor = &compressors.NoCompressionCompressor{}
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	out, err := opts.FS.Create(ctx, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create data file %s: %w", opts.Path, err)
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], core.DataFileMagicNumber)
	header[4] = core.FormatVersion
	header[5] = byte(opts.Compressor.Type())
	if _, err := out.Write(header[:]); err != nil {
		_ = storage.AbortWriter(out)
		return nil, fmt.Errorf("failed to write data file header: %w", err)
	}

	return &Writer{
		ctx:        ctx,
		path:       opts.Path,
		out:        out,
		offset:     HeaderSize,
		compressor: opts.Compressor,
		blockSize:  opts.BlockSize,
		block:      newBlockBuilder(opts.RestartPointInterval),
		tracer:     opts.Tracer,
		logger:     opts.Logger.With("component", "DataFileWriter", "path", opts.Path),
	}, nil
}

// Add appends one entry. A key smaller than its predecessor is rejected with
// ErrOutOfOrder and leaves the writer usable.
func (w *Writer) Add(key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrClosed
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) < 0 {
		return fmt.Errorf("key %q after %q: %w", key, w.lastKey, ErrOutOfOrder)
	}

	if !w.block.empty() && w.block.estimatedSize()+len(key)+len(value)+3*binary.MaxVarintLen32 > w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.block.add(key, value)

	if w.firstKey == nil {
		w.firstKey = append([]byte{}, key...)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.entryCount++
	return nil
}

// flushBlock compresses and writes the pending block. Callers hold w.mu.
func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	raw := w.block.finish()

	var compressed bytes.Buffer
	if err := w.compressor.CompressTo(&compressed, raw); err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	stored := compressed.Bytes()

	var header [BlockHeaderSize]byte
	header[0] = byte(w.compressor.Type())
	binary.LittleEndian.PutUint32(header[1:], crc32.ChecksumIEEE(stored))
	if _, err := w.out.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.out.Write(stored); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}

	length := uint32(BlockHeaderSize + len(stored))
	w.index.add(w.block.firstKey, w.offset, length)
	w.logger.Debug("Flushed block", "offset", w.offset, "uncompressed_len", len(raw), "stored_len", len(stored))
	w.offset += int64(length)
	w.block.reset()
	return nil
}

// Finish flushes the last block, writes index, keys and footer, and publishes
// the file. A writer with no entries is aborted and returns ErrEmpty.
func (w *Writer) Finish() (err error) {
	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(w.ctx, "DataFileWriter.Finish")
		span.SetAttributes(attribute.String("datafile.path", w.path))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrClosed
	}
	w.done = true

	if w.entryCount == 0 {
		_ = storage.AbortWriter(w.out)
		return fmt.Errorf("finish %s: %w", w.path, ErrEmpty)
	}
	if err := w.flushBlock(); err != nil {
		_ = storage.AbortWriter(w.out)
		return fmt.Errorf("failed to flush final block: %w", err)
	}

	var tail bytes.Buffer
	indexOffset := w.offset
	indexData := w.index.build()
	tail.Write(indexData)
	firstKeyOffset := indexOffset + int64(len(indexData))
	tail.Write(w.firstKey)
	lastKeyOffset := firstKeyOffset + int64(len(w.firstKey))
	tail.Write(w.lastKey)

	_ = binary.Write(&tail, binary.LittleEndian, uint64(indexOffset))
	_ = binary.Write(&tail, binary.LittleEndian, uint32(len(indexData)))
	_ = binary.Write(&tail, binary.LittleEndian, uint64(firstKeyOffset))
	_ = binary.Write(&tail, binary.LittleEndian, uint32(len(w.firstKey)))
	_ = binary.Write(&tail, binary.LittleEndian, uint64(lastKeyOffset))
	_ = binary.Write(&tail, binary.LittleEndian, uint32(len(w.lastKey)))
	_ = binary.Write(&tail, binary.LittleEndian, w.entryCount)
	tail.WriteString(MagicString)

	if _, err := w.out.Write(tail.Bytes()); err != nil {
		_ = storage.AbortWriter(w.out)
		return fmt.Errorf("failed to write data file footer: %w", err)
	}
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("failed to publish data file %s: %w", w.path, err)
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int64("datafile.entries", int64(w.entryCount)),
			attribute.Int("datafile.blocks", len(w.index.entries)),
		)
	}
	w.logger.Debug("Data file written", "entries", w.entryCount, "blocks", len(w.index.entries))
	return nil
}

// Abort discards everything written so far.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true
	return storage.AbortWriter(w.out)
}

// Path returns the destination path of the file.
func (w *Writer) Path() string { return w.path }

// Entry is one key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// WriteFile writes entries, which must already be sorted, as one data file.
func WriteFile(ctx context.Context, opts WriterOptions, entries []Entry) error {
	w, err := NewWriter(ctx, opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Add(e.Key, e.Value); err != nil {
			_ = w.Abort()
			return err
		}
	}
	return w.Finish()
}
