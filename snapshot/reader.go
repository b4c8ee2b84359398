package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reader locates schemas and data archives inside backup images. Image root
// paths are URIs resolved through the configured resolver.
type Reader struct {
	resolver storage.PathResolver
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewReader(resolver storage.PathResolver, tracer trace.Tracer, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{resolver: resolver, tracer: tracer, logger: logger.With("component", "SnapshotReader")}
}

func (r *Reader) root(image core.BackupImage) (storage.FileSystem, string, error) {
	fs, root, err := r.resolver.Resolve(image.RootPath)
	if err != nil {
		return nil, "", &core.ConfigurationError{Message: fmt.Sprintf("backup root %q: %v", image.RootPath, err)}
	}
	return fs, root, nil
}

func (r *Reader) startSpan(ctx context.Context, name string, table core.TableName) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, nil
	}
	ctx, span := r.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("restore.table", table.String()))
	return ctx, span
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// SnapshotExists reports whether the full backup holds a snapshot directory
// for table.
func (r *Reader) SnapshotExists(ctx context.Context, image core.BackupImage, table core.TableName) (bool, error) {
	fs, root, err := r.root(image)
	if err != nil {
		return false, err
	}
	ok, err := fs.Exists(ctx, SnapshotDir(root, image.BackupID, table))
	if err != nil {
		return false, core.WrapTransport("check snapshot directory", err)
	}
	return ok, nil
}

// SchemaFromSnapshot reads the schema recorded in the snapshot manifest. It
// returns found=false when the snapshot directory holds no manifest.
func (r *Reader) SchemaFromSnapshot(ctx context.Context, image core.BackupImage, table core.TableName) (core.TableSchema, bool, error) {
	ctx, span := r.startSpan(ctx, "SnapshotReader.SchemaFromSnapshot", table)
	defer endSpan(span)

	fs, root, err := r.root(image)
	if err != nil {
		return core.TableSchema{}, false, err
	}
	infoPath, found, err := r.manifestPath(ctx, fs, SnapshotDir(root, image.BackupID, table))
	if err != nil || !found {
		return core.TableSchema{}, false, err
	}

	data, err := storage.ReadAll(ctx, fs, infoPath)
	if err != nil {
		return core.TableSchema{}, false, core.WrapTransport("read snapshot manifest", err)
	}
	m, schema, err := decodeManifest(data, infoPath)
	if err != nil {
		return core.TableSchema{}, false, err
	}
	if schema.Name() != table {
		return core.TableSchema{}, false, &core.NotFoundError{
			Resource: fmt.Sprintf("table descriptor for %s", table),
			Path:     infoPath,
			Message:  fmt.Sprintf("manifest describes table %s", schema.Name()),
		}
	}
	r.logger.Debug("Read snapshot manifest", "table", table, "snapshot", m.Snapshot, "path", infoPath)
	return schema, true, nil
}

// manifestPath lists the snapshot directory and picks the manifest. An entry
// whose name ends in data.manifest wins; otherwise the first snapshot
// directory containing one is used.
func (r *Reader) manifestPath(ctx context.Context, fs storage.FileSystem, snapshotDir string) (string, bool, error) {
	entries, err := fs.ListStatus(ctx, snapshotDir)
	if err != nil {
		if storage.IsNotExist(err) {
			return "", false, &core.NotFoundError{Resource: "snapshot directory", Path: storage.URI(fs, snapshotDir)}
		}
		return "", false, core.WrapTransport("list snapshot directory", err)
	}
	for _, e := range entries {
		if !e.IsDir && strings.HasSuffix(e.Name, core.DataManifestSuffix) {
			return e.Path, true, nil
		}
	}
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		candidate := path.Join(e.Path, core.DataManifestSuffix)
		ok, err := fs.Exists(ctx, candidate)
		if err != nil {
			return "", false, core.WrapTransport("check snapshot manifest", err)
		}
		if ok {
			return candidate, true, nil
		}
	}
	r.logger.Debug("Found no table descriptor in the snapshot dir, previous schema would be lost", "dir", snapshotDir)
	return "", false, nil
}

// SchemaFromIncremental reads the table descriptor stored with an
// incremental image. A missing descriptor is found=false.
func (r *Reader) SchemaFromIncremental(ctx context.Context, image core.BackupImage, incrementalID string, table core.TableName) (core.TableSchema, bool, error) {
	ctx, span := r.startSpan(ctx, "SnapshotReader.SchemaFromIncremental", table)
	defer endSpan(span)

	fs, root, err := r.root(image)
	if err != nil {
		return core.TableSchema{}, false, err
	}
	p := TableInfoPath(root, incrementalID, table)
	data, err := storage.ReadAll(ctx, fs, p)
	if err != nil {
		if storage.IsNotExist(err) {
			return core.TableSchema{}, false, nil
		}
		return core.TableSchema{}, false, core.WrapTransport("read table descriptor", err)
	}
	schema, err := decodeSchema(data, p)
	if err != nil {
		return core.TableSchema{}, false, err
	}
	if schema.Name() != table {
		return core.TableSchema{}, false, &core.NotFoundError{
			Resource: fmt.Sprintf("table descriptor for %s", table),
			Path:     p,
			Message:  fmt.Sprintf("descriptor describes table %s", schema.Name()),
		}
	}
	return schema, true, nil
}

// TableArchivePath returns the URI of the table's data archive, or
// found=false for a table that was empty at backup time.
func (r *Reader) TableArchivePath(ctx context.Context, image core.BackupImage, table core.TableName) (string, bool, error) {
	fs, root, err := r.root(image)
	if err != nil {
		return "", false, err
	}
	dir := ArchiveDir(root, image.BackupID, table)
	if _, err := fs.ListStatus(ctx, dir); err != nil {
		if storage.IsNotExist(err) {
			r.logger.Debug("Table archive does not exist", "path", dir)
			return "", false, nil
		}
		return "", false, core.WrapTransport("list table archive", err)
	}
	return storage.URI(fs, dir), true, nil
}
