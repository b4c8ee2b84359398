package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
)

// Replayer applies incremental images by bulk loading them. Each log dir is
// an incremental image directory holding <ns>/<qualifier>/<region>/<family>.
type Replayer struct {
	loader   *Loader
	resolver storage.PathResolver
	logger   *slog.Logger
}

func NewReplayer(loader *Loader, resolver storage.PathResolver, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replayer{loader: loader, resolver: resolver, logger: logger.With("component", "Replayer")}
}

// Replay loads the data of every source table found in logDirs into the
// matching target. bulkLoadMode only changes logging here: incremental images
// are always stored as data files.
func (r *Replayer) Replay(ctx context.Context, logDirs []string, sources, targets []core.TableName, bulkLoadMode bool) error {
	if len(sources) != len(targets) {
		return &core.ConfigurationError{Message: fmt.Sprintf("replay got %d source tables but %d targets", len(sources), len(targets))}
	}
	r.logger.Info("Replaying incremental images", "log_dirs", len(logDirs), "tables", len(sources), "bulk_load_mode", bulkLoadMode)

	for _, logDir := range logDirs {
		fs, root, err := r.resolver.Resolve(logDir)
		if err != nil {
			return fmt.Errorf("replay %s: %w", logDir, err)
		}
		for i, src := range sources {
			if err := ctx.Err(); err != nil {
				return err
			}
			tableDir := path.Join(root, src.Namespace, src.Qualifier)
			regions, err := fs.ListStatus(ctx, tableDir)
			if err != nil {
				if storage.IsNotExist(err) {
					r.logger.Debug("No incremental data for table", "log_dir", logDir, "table", src)
					continue
				}
				return fmt.Errorf("replay: list %s: %w", tableDir, err)
			}
			for _, region := range regions {
				if !region.IsDir || core.IsHiddenName(region.Name) {
					continue
				}
				if err := r.loader.Load(ctx, storage.URI(fs, region.Path), targets[i]); err != nil {
					return fmt.Errorf("replay of %s into %s: %w", src, targets[i], err)
				}
			}
		}
	}
	return nil
}
