// Package restore restores table backup images into a cluster. It resolves
// the schema to apply, creates or reconciles the target table, infers region
// boundaries from archived data files and drives the bulk load.
package restore

import (
	"context"

	"github.com/INLOpen/nexusrestore/core"
)

// Admin is the cluster administration surface the restore needs.
type Admin interface {
	TableExists(ctx context.Context, table core.TableName) (bool, error)
	GetDescriptor(ctx context.Context, table core.TableName) (core.TableSchema, error)
	CreateTable(ctx context.Context, schema core.TableSchema, splitKeys [][]byte) error
	ModifyTable(ctx context.Context, schema core.TableSchema) error
	DisableTable(ctx context.Context, table core.TableName) error
	TruncateTable(ctx context.Context, table core.TableName, preserveSplits bool) error
	IsTableAvailable(ctx context.Context, table core.TableName, splitKeys [][]byte) (bool, error)
}

// DataFile exposes the row-key range of one archived data file.
type DataFile = core.DataFile

// DataFileReader opens data files by URI.
type DataFileReader interface {
	Open(ctx context.Context, path string) (DataFile, error)
}

// ManifestReader locates schemas and data archives inside backup images.
type ManifestReader interface {
	SnapshotExists(ctx context.Context, image core.BackupImage, table core.TableName) (bool, error)
	SchemaFromSnapshot(ctx context.Context, image core.BackupImage, table core.TableName) (core.TableSchema, bool, error)
	SchemaFromIncremental(ctx context.Context, image core.BackupImage, incrementalID string, table core.TableName) (core.TableSchema, bool, error)
	TableArchivePath(ctx context.Context, image core.BackupImage, table core.TableName) (string, bool, error)
}

// BulkLoadExecutor loads one region directory of data files into a table.
type BulkLoadExecutor interface {
	Load(ctx context.Context, regionDir string, target core.TableName) error
	// InferSplits derives split keys from accumulated file boundaries.
	InferSplits(acc *core.BoundaryAccumulator) [][]byte
}

// ReplayService replays incremental log directories into target tables.
type ReplayService interface {
	Replay(ctx context.Context, logDirs []string, sources, targets []core.TableName, bulkLoadMode bool) error
}
