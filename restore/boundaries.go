package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
)

// BoundaryInference derives region split keys from the first and last row
// keys of archived data files.
type BoundaryInference struct {
	resolver   storage.PathResolver
	files      DataFileReader
	loader     BulkLoadExecutor
	ignoreDirs []string
	logger     *slog.Logger
}

func NewBoundaryInference(resolver storage.PathResolver, files DataFileReader, loader BulkLoadExecutor, ignoreDirs []string, logger *slog.Logger) *BoundaryInference {
	if ignoreDirs == nil {
		ignoreDirs = core.DefaultIgnoreDirs
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BoundaryInference{
		resolver:   resolver,
		files:      files,
		loader:     loader,
		ignoreDirs: ignoreDirs,
		logger:     logger.With("component", "BoundaryInference"),
	}
}

// Accumulate adds +1 at the first and -1 at the last row key of every
// loadable data file below regionDirs.
func (b *BoundaryInference) Accumulate(ctx context.Context, regionDirs []string) (*core.BoundaryAccumulator, error) {
	acc := core.NewBoundaryAccumulator()
	for _, dir := range regionDirs {
		if err := b.accumulateRegion(ctx, acc, dir); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (b *BoundaryInference) accumulateRegion(ctx context.Context, acc *core.BoundaryAccumulator, regionDir string) error {
	fs, dir, err := b.resolver.Resolve(regionDir)
	if err != nil {
		return &core.ConfigurationError{Message: fmt.Sprintf("region directory %q: %v", regionDir, err)}
	}
	entries, err := fs.ListStatus(ctx, dir)
	if err != nil {
		return core.WrapTransport("list region directory "+regionDir, err)
	}

	families := 0
	for _, fam := range entries {
		if !fam.IsDir || core.IsIgnoredFamilyDir(fam.Name, b.ignoreDirs) {
			continue
		}
		families++
		files, err := fs.ListStatus(ctx, fam.Path)
		if err != nil {
			return core.WrapTransport("list family directory "+fam.Path, err)
		}
		retained := 0
		for _, f := range files {
			if f.IsDir || !core.IsLoadableFileName(f.Name) {
				continue
			}
			if err := b.addFile(ctx, acc, storage.URI(fs, f.Path)); err != nil {
				return err
			}
			retained++
		}
		if retained == 0 {
			return &core.InconsistentArchiveError{Path: storage.URI(fs, fam.Path), Message: "family directory holds no data files"}
		}
	}
	if families == 0 {
		return &core.InconsistentArchiveError{Path: regionDir, Message: "region directory holds no column families"}
	}
	return nil
}

func (b *BoundaryInference) addFile(ctx context.Context, acc *core.BoundaryAccumulator, uri string) error {
	df, err := b.files.Open(ctx, uri)
	if err != nil {
		return core.WrapTransport("open data file "+uri, err)
	}
	defer df.Close()
	acc.AddRange(df.FirstRowKey(), df.LastRowKey())
	return nil
}

// Infer accumulates the boundaries of regionDirs and turns them into split
// keys through the bulk loader's rule.
func (b *BoundaryInference) Infer(ctx context.Context, regionDirs []string) ([][]byte, error) {
	acc, err := b.Accumulate(ctx, regionDirs)
	if err != nil {
		return nil, err
	}
	splits := b.loader.InferSplits(acc)
	b.logger.Debug("Inferred split keys", "regions", len(regionDirs), "boundaries", acc.Len(), "splits", len(splits))
	return splits, nil
}
