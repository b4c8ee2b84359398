// Package storage abstracts the filesystems a backup image or a cluster data
// directory can live on. Paths passed to a FileSystem are slash separated and
// relative to its root; the authority identifies the filesystem itself so two
// paths can be compared for "same cluster" decisions.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned (wrapped) when a path does not exist.
var ErrNotExist = errors.New("path does not exist")

// FileStatus describes one directory entry.
type FileStatus struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

// File is a random-access, read-only handle.
type File interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// FileSystem is the subset of filesystem operations the restore path needs.
type FileSystem interface {
	// Authority returns the scheme and host this filesystem serves, e.g.
	// "file://" or "s3://bucket".
	Authority() string
	Exists(ctx context.Context, path string) (bool, error)
	// ListStatus returns the direct children of a directory sorted by name.
	ListStatus(ctx context.Context, path string) ([]FileStatus, error)
	Delete(ctx context.Context, path string, recursive bool) error
	Open(ctx context.Context, path string) (File, error)
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	MkdirAll(ctx context.Context, path string) error
}

// IsNotExist reports whether err indicates a missing path.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// ReadAll reads a whole file through fs.
func ReadAll(ctx context.Context, fs FileSystem, path string) ([]byte, error) {
	f, err := fs.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// WriteAll creates path and writes data to it.
func WriteAll(ctx context.Context, fs FileSystem, path string, data []byte) error {
	w, err := fs.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = AbortWriter(w)
		return err
	}
	return w.Close()
}

// Aborter is implemented by writers from Create that can discard their
// content instead of publishing it on Close.
type Aborter interface {
	Abort() error
}

// AbortWriter discards w if it supports it and closes it otherwise.
func AbortWriter(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}
