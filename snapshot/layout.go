// Package snapshot reads and writes the on-disk layout of table backup
// images:
//
//	<root>/<backupId>/<ns>/<qualifier>/.snapshot/<name>/data.manifest
//	<root>/<backupId>/<ns>/<qualifier>/archive/data/<ns>/<qualifier>/<region>/<family>/<file>
//	<root>/<incrementalId>/<ns>/<qualifier>/.tabledesc/tableinfo
package snapshot

import (
	"path"
	"strconv"

	"github.com/INLOpen/nexusrestore/core"
)

// TableBackupDir is the per-table directory of one backup id.
func TableBackupDir(root, backupID string, table core.TableName) string {
	return path.Join(root, backupID, table.Namespace, table.Qualifier)
}

// SnapshotDir holds the snapshot manifests of a full backup.
func SnapshotDir(root, backupID string, table core.TableName) string {
	return path.Join(TableBackupDir(root, backupID, table), core.SnapshotDirName)
}

// ManifestPath is where Writer puts the manifest of a named snapshot.
func ManifestPath(root, backupID, snapshotName string, table core.TableName) string {
	return path.Join(SnapshotDir(root, backupID, table), snapshotName, core.DataManifestSuffix)
}

// ArchiveDir holds one directory per region.
func ArchiveDir(root, backupID string, table core.TableName) string {
	return path.Join(TableBackupDir(root, backupID, table), core.ArchiveDirName, core.BaseNamespaceDirName, table.Namespace, table.Qualifier)
}

// TableInfoPath is the table descriptor written with an incremental image.
func TableInfoPath(root, backupID string, table core.TableName) string {
	return path.Join(TableBackupDir(root, backupID, table), core.TableDescriptorDirName, core.TableInfoFileName)
}

// SnapshotName follows the snapshot_<millis>_<ns>_<qualifier> convention.
func SnapshotName(createdAtMillis int64, table core.TableName) string {
	return "snapshot_" + strconv.FormatInt(createdAtMillis, 10) + "_" + table.Namespace + "_" + table.Qualifier
}
