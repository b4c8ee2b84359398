package core

// Constants shared by the backup image layout, the data file format and the
// single-node cluster catalog.

// --- Magic Numbers ---
const (
	// DataFileMagicNumber identifies a region data file.
	DataFileMagicNumber uint32 = 0x48464C44 // "HFLD"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1

// --- Backup image layout ---
const (
	// SnapshotDirName holds the snapshot manifest(s) of a full backup.
	SnapshotDirName = ".snapshot"
	// DataManifestSuffix marks the manifest entry inside a snapshot directory.
	DataManifestSuffix = "data.manifest"
	// ArchiveDirName holds the archived data files of a table.
	ArchiveDirName = "archive"
	// BaseNamespaceDirName sits between the archive dir and the namespace.
	BaseNamespaceDirName = "data"
	// TableDescriptorDirName holds a table descriptor outside of a snapshot.
	TableDescriptorDirName = ".tabledesc"
	// TableInfoFileName is the descriptor file within TableDescriptorDirName.
	TableInfoFileName = "tableinfo"
	// RecoveredEditsDirName is never restored.
	RecoveredEditsDirName = "recovered.edits"
)

// --- Cluster layout ---
const (
	RegionsFileName   = "regions.json"
	RegionDirPrefix   = "region-"
	TableStateFile    = "state"
	DataFileSuffix    = ".hfd"
	ScratchLockSuffix = ".lock"
)
