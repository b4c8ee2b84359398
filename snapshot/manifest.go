package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
)

// ManifestVersion is written into every snapshot manifest.
const ManifestVersion = 1

// Manifest is the JSON document stored as data.manifest.
type Manifest struct {
	Version   int                 `json:"version"`
	Snapshot  string              `json:"snapshot"`
	BackupID  string              `json:"backup_id"`
	CreatedAt time.Time           `json:"created_at"`
	Schema    core.SchemaDocument `json:"schema"`
}

func decodeSchema(data []byte, what string) (core.TableSchema, error) {
	var doc core.SchemaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.TableSchema{}, &core.InconsistentArchiveError{Path: what, Message: fmt.Sprintf("undecodable table descriptor: %v", err)}
	}
	schema, err := doc.Schema()
	if err != nil {
		return core.TableSchema{}, &core.InconsistentArchiveError{Path: what, Message: err.Error()}
	}
	return schema, nil
}

func decodeManifest(data []byte, what string) (Manifest, core.TableSchema, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, core.TableSchema{}, &core.InconsistentArchiveError{Path: what, Message: fmt.Sprintf("undecodable snapshot manifest: %v", err)}
	}
	if m.Version != ManifestVersion {
		return Manifest{}, core.TableSchema{}, &core.InconsistentArchiveError{Path: what, Message: fmt.Sprintf("unsupported manifest version %d", m.Version)}
	}
	schema, err := m.Schema.Schema()
	if err != nil {
		return Manifest{}, core.TableSchema{}, &core.InconsistentArchiveError{Path: what, Message: err.Error()}
	}
	return m, schema, nil
}

// EncodeSchema renders a table descriptor the way it is stored on disk.
func EncodeSchema(schema core.TableSchema) ([]byte, error) {
	return json.MarshalIndent(schema.Document(), "", "  ")
}

// DecodeSchema parses a stored table descriptor.
func DecodeSchema(data []byte) (core.TableSchema, error) {
	return decodeSchema(data, "table descriptor")
}

// Writer lays out backup images. Test fixtures and tooling use it; the
// restore path only reads.
type Writer struct {
	FS   storage.FileSystem
	Root string
	Now  func() time.Time
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// WriteSnapshotManifest records the schema of a full backup and returns the
// manifest path.
func (w *Writer) WriteSnapshotManifest(ctx context.Context, backupID string, schema core.TableSchema) (string, error) {
	created := w.now().UTC()
	name := SnapshotName(created.UnixMilli(), schema.Name())
	m := Manifest{
		Version:   ManifestVersion,
		Snapshot:  name,
		BackupID:  backupID,
		CreatedAt: created,
		Schema:    schema.Document(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest for %s: %w", schema.Name(), err)
	}
	p := ManifestPath(w.Root, backupID, name, schema.Name())
	if err := storage.WriteAll(ctx, w.FS, p, data); err != nil {
		return "", fmt.Errorf("failed to write manifest %s: %w", p, err)
	}
	return p, nil
}

// WriteTableDescriptor records the schema of an incremental image.
func (w *Writer) WriteTableDescriptor(ctx context.Context, backupID string, schema core.TableSchema) (string, error) {
	data, err := EncodeSchema(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode table descriptor for %s: %w", schema.Name(), err)
	}
	p := TableInfoPath(w.Root, backupID, schema.Name())
	if err := storage.WriteAll(ctx, w.FS, p, data); err != nil {
		return "", fmt.Errorf("failed to write table descriptor %s: %w", p, err)
	}
	return p, nil
}

// EnsureSnapshotDir creates an empty .snapshot directory, which models a
// backup whose manifest was lost.
func (w *Writer) EnsureSnapshotDir(ctx context.Context, backupID string, table core.TableName) error {
	return w.FS.MkdirAll(ctx, SnapshotDir(w.Root, backupID, table))
}

// RegionDir returns the archive directory of one region.
func (w *Writer) RegionDir(backupID string, table core.TableName, region string) string {
	return ArchiveDir(w.Root, backupID, table) + "/" + region
}
