package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalAuthority is the authority of every local filesystem.
const LocalAuthority = "file://"

// LocalFS serves absolute local paths.
type LocalFS struct{}

var _ FileSystem = LocalFS{}

func NewLocalFS() LocalFS { return LocalFS{} }

func (LocalFS) Authority() string { return LocalAuthority }

func (LocalFS) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.FromSlash(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (LocalFS) ListStatus(_ context.Context, path string) ([]FileStatus, error) {
	entries, err := os.ReadDir(filepath.FromSlash(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]FileStatus, 0, len(entries))
	for _, e := range entries {
		st := FileStatus{Name: e.Name(), Path: filepath.ToSlash(filepath.Join(path, e.Name())), IsDir: e.IsDir()}
		if !e.IsDir() {
			if info, err := e.Info(); err == nil {
				st.Size = info.Size()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (LocalFS) Delete(_ context.Context, path string, recursive bool) error {
	p := filepath.FromSlash(path)
	var err error
	if recursive {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

type localFile struct {
	*os.File
	size int64
}

func (f *localFile) Size() int64 { return f.size }

func (LocalFS) Open(_ context.Context, path string) (File, error) {
	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &localFile{File: f, size: info.Size()}, nil
}

// Create writes to a temporary sibling and renames it into place on Close,
// so readers never observe a partially written file.
func (LocalFS) Create(_ context.Context, path string) (io.WriteCloser, error) {
	p := filepath.FromSlash(path)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &atomicFile{File: tmp, final: p}, nil
}

type atomicFile struct {
	*os.File
	final  string
	closed bool
}

func (a *atomicFile) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.File.Sync(); err != nil {
		a.File.Close()
		os.Remove(a.File.Name())
		return fmt.Errorf("sync %s: %w", a.final, err)
	}
	if err := a.File.Close(); err != nil {
		os.Remove(a.File.Name())
		return fmt.Errorf("close %s: %w", a.final, err)
	}
	if err := os.Rename(a.File.Name(), a.final); err != nil {
		os.Remove(a.File.Name())
		return fmt.Errorf("rename into %s: %w", a.final, err)
	}
	return nil
}

// Abort drops the temporary file without publishing it.
func (a *atomicFile) Abort() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.File.Close()
	if err := os.Remove(a.File.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (LocalFS) MkdirAll(_ context.Context, path string) error {
	return os.MkdirAll(filepath.FromSlash(path), 0755)
}
