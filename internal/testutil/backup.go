// Package testutil builds backup images and cluster data directories on disk
// for tests.
package testutil

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/snapshot"
	"github.com/INLOpen/nexusrestore/sstable"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/stretchr/testify/require"
)

// BackupBuilder lays out one backup image below a temporary root.
type BackupBuilder struct {
	t        testing.TB
	FS       storage.FileSystem
	Root     string
	BackupID string
	writer   *snapshot.Writer
}

// NewBackup creates an empty backup image in t.TempDir().
func NewBackup(t testing.TB, backupID string) *BackupBuilder {
	t.Helper()
	root := filepath.ToSlash(t.TempDir())
	fs := storage.NewLocalFS()
	return &BackupBuilder{
		t:        t,
		FS:       fs,
		Root:     root,
		BackupID: backupID,
		writer: &snapshot.Writer{
			FS:   fs,
			Root: root,
			Now:  func() time.Time { return time.UnixMilli(1700000000000) },
		},
	}
}

// Image references the full backup.
func (b *BackupBuilder) Image() core.BackupImage {
	return core.BackupImage{RootPath: b.Root, BackupID: b.BackupID}
}

// IncrementalImage references the full backup plus an incremental id.
func (b *BackupBuilder) IncrementalImage(incrementalID string) core.BackupImage {
	img := b.Image()
	img.IncrementalBackupID = incrementalID
	return img
}

// WithSchema writes a snapshot manifest for schema.
func (b *BackupBuilder) WithSchema(schema core.TableSchema) *BackupBuilder {
	b.t.Helper()
	_, err := b.writer.WriteSnapshotManifest(context.Background(), b.BackupID, schema)
	require.NoError(b.t, err)
	return b
}

// WithEmptySnapshot creates a snapshot directory without a manifest.
func (b *BackupBuilder) WithEmptySnapshot(table core.TableName) *BackupBuilder {
	b.t.Helper()
	require.NoError(b.t, b.writer.EnsureSnapshotDir(context.Background(), b.BackupID, table))
	return b
}

// WithIncrementalSchema writes the table descriptor of an incremental image.
func (b *BackupBuilder) WithIncrementalSchema(incrementalID string, schema core.TableSchema) *BackupBuilder {
	b.t.Helper()
	_, err := b.writer.WriteTableDescriptor(context.Background(), incrementalID, schema)
	require.NoError(b.t, err)
	return b
}

// RegionDir returns the archive directory of a region.
func (b *BackupBuilder) RegionDir(table core.TableName, region string) string {
	return b.writer.RegionDir(b.BackupID, table, region)
}

// AddFile writes a data file holding keys into the archive of table.
func (b *BackupBuilder) AddFile(table core.TableName, region, family, name string, keys ...string) string {
	b.t.Helper()
	p := path.Join(b.RegionDir(table, region), family, name)
	WriteDataFile(b.t, b.FS, p, keys...)
	return p
}

// LogDir is the directory of an incremental image as passed to replay.
func (b *BackupBuilder) LogDir(incrementalID string) string {
	return path.Join(b.Root, incrementalID)
}

// AddIncrementalFile writes a data file into an incremental image.
func (b *BackupBuilder) AddIncrementalFile(incrementalID string, table core.TableName, region, family, name string, keys ...string) string {
	b.t.Helper()
	p := path.Join(b.LogDir(incrementalID), table.Namespace, table.Qualifier, region, family, name)
	WriteDataFile(b.t, b.FS, p, keys...)
	return p
}

// AddRaw writes an arbitrary file, e.g. a marker or a reference file.
func (b *BackupBuilder) AddRaw(p string, content string) {
	b.t.Helper()
	require.NoError(b.t, os.MkdirAll(filepath.Dir(filepath.FromSlash(p)), 0o755))
	require.NoError(b.t, os.WriteFile(filepath.FromSlash(p), []byte(content), 0o644))
}

// Mkdir creates a directory inside the image.
func (b *BackupBuilder) Mkdir(p string) {
	b.t.Helper()
	require.NoError(b.t, os.MkdirAll(filepath.FromSlash(p), 0o755))
}

// WriteDataFile writes a data file whose values are "v-<key>".
func WriteDataFile(t testing.TB, fs storage.FileSystem, p string, keys ...string) {
	t.Helper()
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	entries := make([]sstable.Entry, len(sorted))
	for i, k := range sorted {
		entries[i] = sstable.Entry{Key: []byte(k), Value: []byte("v-" + k)}
	}
	require.NoError(t, sstable.WriteFile(context.Background(), sstable.WriterOptions{FS: fs, Path: p}, entries))
}

// ReadKeys returns every key stored in the data file at p.
func ReadKeys(t testing.TB, fs storage.FileSystem, p string) []string {
	t.Helper()
	r, err := sstable.Open(context.Background(), fs, p, sstable.ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	var keys []string
	it := r.NewIterator()
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	return keys
}

// Family is shorthand for a column family without attributes.
func Family(name string, attrs ...string) core.ColumnFamily {
	f := core.ColumnFamily{Name: name}
	if len(attrs) > 0 {
		f.Attributes = make(map[string]string)
		for i := 0; i+1 < len(attrs); i += 2 {
			f.Attributes[attrs[i]] = attrs[i+1]
		}
	}
	return f
}
