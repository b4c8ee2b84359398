package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"golang.org/x/sync/errgroup"
)

// DefaultCopyConcurrency bounds parallel file copies.
const DefaultCopyConcurrency = 8

// Copy copies the file or directory tree at src on srcFS to dst on dstFS.
// Files are copied in parallel; the first failure cancels the rest.
func Copy(ctx context.Context, srcFS FileSystem, src string, dstFS FileSystem, dst string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultCopyConcurrency)
	if err := copyTree(gctx, g, srcFS, src, dstFS, dst); err != nil {
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

func copyTree(ctx context.Context, g *errgroup.Group, srcFS FileSystem, src string, dstFS FileSystem, dst string) error {
	entries, err := srcFS.ListStatus(ctx, src)
	if err != nil {
		// src may be a single file rather than a directory.
		f, openErr := srcFS.Open(ctx, src)
		if openErr != nil {
			return err
		}
		_ = f.Close()
		g.Go(func() error { return CopyFile(ctx, srcFS, src, dstFS, dst) })
		return nil
	}
	if err := dstFS.MkdirAll(ctx, dst); err != nil {
		return fmt.Errorf("mkdir %s: %w", dst, err)
	}
	for _, e := range entries {
		target := path.Join(dst, e.Name)
		if e.IsDir {
			if err := copyTree(ctx, g, srcFS, e.Path, dstFS, target); err != nil {
				return err
			}
			continue
		}
		e := e
		g.Go(func() error { return CopyFile(ctx, srcFS, e.Path, dstFS, target) })
	}
	return nil
}

// CopyFile copies one file. The destination is only published once the
// whole content was written.
func CopyFile(ctx context.Context, srcFS FileSystem, src string, dstFS FileSystem, dst string) error {
	in, err := srcFS.Open(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := dstFS.Create(ctx, dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.NewSectionReader(in, 0, in.Size())); err != nil {
		_ = AbortWriter(out)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// DiskUsage sums the sizes of all files below p.
func DiskUsage(ctx context.Context, fs FileSystem, p string) (int64, error) {
	entries, err := fs.ListStatus(ctx, p)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir {
			n, err := DiskUsage(ctx, fs, e.Path)
			if err != nil {
				return 0, err
			}
			total += n
			continue
		}
		total += e.Size
	}
	return total, nil
}
