package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/INLOpen/nexusrestore/compressors"
	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/sstable"
	"github.com/INLOpen/nexusrestore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Catalog  *Catalog
	Resolver storage.PathResolver
	// IgnoreDirs are region sub-directory patterns that are never loaded.
	IgnoreDirs []string
	// Compression of files rewritten by a split; empty keeps the source codec.
	Compression string
	BlockSize   int
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Loader bulk loads region directories of data files into catalog tables.
// Families unknown to the target table are skipped and there is no limit on
// the number of files per family.
type Loader struct {
	catalog     *Catalog
	resolver    storage.PathResolver
	ignoreDirs  []string
	compression string
	blockSize   int
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = core.DefaultIgnoreDirs
	}
	return &Loader{
		catalog:     opts.Catalog,
		resolver:    opts.Resolver,
		ignoreDirs:  opts.IgnoreDirs,
		compression: opts.Compression,
		blockSize:   opts.BlockSize,
		tracer:      opts.Tracer,
		logger:      opts.Logger.With("component", "BulkLoader"),
	}
}

// Load moves every data file below regionDir (a URI) into the target region
// holding the file's first row key. A file spanning several target regions is
// split along the region boundaries. Loaded files keep their names, so
// loading the same directory twice leaves the table unchanged.
func (l *Loader) Load(ctx context.Context, regionDir string, target core.TableName) (err error) {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = l.tracer.Start(ctx, "Loader.Load")
		span.SetAttributes(
			attribute.String("restore.region_dir", regionDir),
			attribute.String("restore.target", target.String()),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	srcFS, dir, err := l.resolver.Resolve(regionDir)
	if err != nil {
		return fmt.Errorf("bulk load %s: %w", regionDir, err)
	}
	schema, err := l.catalog.GetDescriptor(ctx, target)
	if err != nil {
		return fmt.Errorf("bulk load into %s: %w", target, err)
	}
	regions, err := l.catalog.Regions(ctx, target)
	if err != nil {
		return fmt.Errorf("bulk load into %s: %w", target, err)
	}
	families, err := srcFS.ListStatus(ctx, dir)
	if err != nil {
		return fmt.Errorf("bulk load: list %s: %w", regionDir, err)
	}

	loaded := 0
	for _, fam := range families {
		if !fam.IsDir || core.IsIgnoredFamilyDir(fam.Name, l.ignoreDirs) {
			continue
		}
		if !schema.HasFamily(fam.Name) {
			l.logger.Warn("Skipping family unknown to target table", "family", fam.Name, "target", target, "region_dir", regionDir)
			continue
		}
		files, err := srcFS.ListStatus(ctx, fam.Path)
		if err != nil {
			return fmt.Errorf("bulk load: list %s: %w", fam.Path, err)
		}
		for _, f := range files {
			if f.IsDir || !core.IsLoadableFileName(f.Name) {
				continue
			}
			if err := l.loadFile(ctx, srcFS, f, fam.Name, target, regions); err != nil {
				return fmt.Errorf("bulk load of %s into %s failed: %w", f.Path, target, err)
			}
			loaded++
		}
	}
	l.logger.Debug("Region directory loaded", "region_dir", regionDir, "target", target, "files", loaded)
	return nil
}

func (l *Loader) loadFile(ctx context.Context, srcFS storage.FileSystem, f storage.FileStatus, family string, target core.TableName, regions []Region) error {
	r, err := sstable.Open(ctx, srcFS, f.Path, sstable.ReaderOptions{Tracer: l.tracer, Logger: l.logger})
	if err != nil {
		return err
	}
	defer r.Close()

	region, ok := RegionFor(regions, r.FirstRowKey())
	if !ok {
		return fmt.Errorf("no region of %s holds row %q", target, r.FirstRowKey())
	}
	if region.Contains(r.LastRowKey()) {
		dst := path.Join(l.catalog.RegionPath(target, region), family, f.Name)
		return storage.CopyFile(ctx, srcFS, f.Path, l.catalog.FileSystem(), dst)
	}
	return l.splitFile(ctx, r, f.Name, family, target, regions)
}

// splitFile rewrites r as one file per target region it overlaps.
func (l *Loader) splitFile(ctx context.Context, r *sstable.Reader, name, family string, target core.TableName, regions []Region) error {
	ct := r.CompressionType()
	if l.compression != "" {
		var err error
		if ct, err = core.ParseCompressionType(l.compression); err != nil {
			return err
		}
	}
	compressor, err := compressors.New(ct)
	if err != nil {
		return err
	}
	var (
		current Region
		w       *sstable.Writer
		parts   int
	)
	it := r.NewIterator()
	for it.Next() {
		key := it.Key()
		if w == nil || !current.Contains(key) {
			if w != nil {
				if err := w.Finish(); err != nil {
					return err
				}
			}
			region, ok := RegionFor(regions, key)
			if !ok {
				return fmt.Errorf("no region of %s holds row %q", target, key)
			}
			current = region
			w, err = sstable.NewWriter(ctx, sstable.WriterOptions{
				FS:         l.catalog.FileSystem(),
				Path:       path.Join(l.catalog.RegionPath(target, region), family, name+"."+region.Name),
				Compressor: compressor,
				BlockSize:  l.blockSize,
				Tracer:     l.tracer,
				Logger:     l.logger,
			})
			if err != nil {
				return err
			}
			parts++
		}
		if err := w.Add(key, it.Value()); err != nil {
			_ = w.Abort()
			return err
		}
	}
	if err := it.Error(); err != nil {
		if w != nil {
			_ = w.Abort()
		}
		return err
	}
	if w != nil {
		if err := w.Finish(); err != nil {
			return err
		}
	}
	l.logger.Info("Split data file across regions", "file", r.Path(), "target", target, "parts", parts)
	return nil
}

// InferSplits turns accumulated file boundaries into split keys. Walking the
// keys in order with a running sum of their weights, a key seen while the sum
// is zero opens a range and the sum returning to zero closes it. Every range
// start except the first becomes a split key.
func (l *Loader) InferSplits(acc *core.BoundaryAccumulator) [][]byte {
	var (
		splits   [][]byte
		running  int
		start    []byte
		firstEnd = true
	)
	acc.Range(func(key []byte, weight int) bool {
		if running == 0 {
			start = key
		}
		running += weight
		if running == 0 {
			if !firstEnd {
				splits = append(splits, start)
			}
			firstEnd = false
		}
		return true
	})
	return splits
}
