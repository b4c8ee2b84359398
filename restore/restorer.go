package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/hooks"
	"github.com/INLOpen/nexusrestore/snapshot"
	"github.com/INLOpen/nexusrestore/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Request describes the full restore of one table.
type Request struct {
	Source core.TableName
	// Target defaults to Source.
	Target           core.TableName
	TruncateIfExists bool
	// Image.IncrementalBackupID, when set, is tried first for the schema.
	Image core.BackupImage
}

// IncrementalRequest describes the replay of incremental images onto tables
// that were already restored. Sources and Targets pair up by index.
type IncrementalRequest struct {
	Image   core.BackupImage
	Sources []core.TableName
	Targets []core.TableName
	LogDirs []string
	// IncrementalBackupID overrides Image.IncrementalBackupID when set.
	IncrementalBackupID string
}

// Dependencies are the collaborators a Restorer drives.
type Dependencies struct {
	Admin     Admin
	Resolver  storage.PathResolver
	Files     DataFileReader
	Manifests ManifestReader
	Loader    BulkLoadExecutor
	Replay    ReplayService
	// Cache is the session's schema cache; a fresh one is used when nil.
	Cache *snapshot.Cache
	// ClusterFS is the filesystem the cluster stores its data on.
	ClusterFS storage.FileSystem
}

// Options tunes a Restorer.
type Options struct {
	// ScratchDir on ClusterFS receives archives that must be copied before loading.
	ScratchDir          string
	IgnoreDirs          []string
	AvailabilityTimeout time.Duration
	ModifyTimeout       time.Duration
	PollInterval        time.Duration
	// Concurrency bounds parallel schema reconciliation during incremental restore.
	Concurrency int
	Hooks       hooks.HookManager
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Restorer orchestrates full and incremental table restores.
type Restorer struct {
	admin     Admin
	resolver  storage.PathResolver
	manifests ManifestReader
	loader    BulkLoadExecutor
	replay    ReplayService
	cache     *snapshot.Cache

	poller     *Poller
	reconciler *Reconciler
	boundaries *BoundaryInference
	guard      *Guard

	availabilityTimeout time.Duration
	concurrency         int
	hooks               hooks.HookManager
	tracer              trace.Tracer
	logger              *slog.Logger
}

func NewRestorer(deps Dependencies, opts Options) (*Restorer, error) {
	switch {
	case deps.Admin == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires an admin"}
	case deps.Resolver == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires a path resolver"}
	case deps.Files == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires a data file reader"}
	case deps.Manifests == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires a manifest reader"}
	case deps.Loader == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires a bulk load executor"}
	case deps.ClusterFS == nil:
		return nil, &core.ConfigurationError{Message: "restorer requires the cluster filesystem"}
	}
	if deps.Cache == nil {
		deps.Cache = snapshot.NewCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewHookManager(opts.Logger)
	}
	if opts.AvailabilityTimeout <= 0 {
		opts.AvailabilityTimeout = DefaultAvailabilityTimeout
	}
	if opts.ModifyTimeout <= 0 {
		opts.ModifyTimeout = DefaultAvailabilityTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	poller := NewPoller(deps.Admin, opts.PollInterval, opts.Logger)
	return &Restorer{
		admin:               deps.Admin,
		resolver:            deps.Resolver,
		manifests:           deps.Manifests,
		loader:              deps.Loader,
		replay:              deps.Replay,
		cache:               deps.Cache,
		poller:              poller,
		reconciler:          NewReconciler(deps.Admin, poller, opts.ModifyTimeout, opts.Hooks, opts.Tracer, opts.Logger),
		boundaries:          NewBoundaryInference(deps.Resolver, deps.Files, deps.Loader, opts.IgnoreDirs, opts.Logger),
		guard:               NewGuard(deps.ClusterFS, opts.ScratchDir, deps.Resolver, opts.Tracer, opts.Logger),
		availabilityTimeout: opts.AvailabilityTimeout,
		concurrency:         opts.Concurrency,
		hooks:               opts.Hooks,
		tracer:              opts.Tracer,
		logger:              opts.Logger.With("component", "Restorer"),
	}, nil
}

// Close releases the scratch directory of the session.
func (r *Restorer) Close(ctx context.Context) error {
	r.hooks.Stop()
	return r.guard.Close(ctx)
}

type outcome int

const (
	outcomeNotFound outcome = iota
	outcomeSchemaOnly
	outcomeSchemaAndArchive
	outcomeArchiveOnly
)

func (o outcome) String() string {
	switch o {
	case outcomeSchemaOnly:
		return "schema-only"
	case outcomeSchemaAndArchive:
		return "schema-and-archive"
	case outcomeArchiveOnly:
		return "archive-only"
	default:
		return "not-found"
	}
}

// resolution is what the backup image holds for one table.
type resolution struct {
	kind        outcome
	schema      core.TableSchema // already renamed to the target
	schemaFound bool
	archive     string
}

func (r *Restorer) resolve(ctx context.Context, req Request) (resolution, error) {
	var (
		schema core.TableSchema
		found  bool
		err    error
	)
	if id := req.Image.IncrementalBackupID; id != "" {
		schema, found, err = r.manifests.SchemaFromIncremental(ctx, req.Image, id, req.Source)
		if err != nil {
			return resolution{}, err
		}
	}
	if !found {
		exists, err := r.manifests.SnapshotExists(ctx, req.Image, req.Source)
		if err != nil {
			return resolution{}, err
		}
		if !exists {
			return resolution{}, &core.NotFoundError{
				Resource: "snapshot directory",
				Message:  fmt.Sprintf("backup %s has no snapshot of table %s", req.Image, req.Source),
			}
		}
		schema, found, err = r.cache.GetOrLoad(req.Source, func() (core.TableSchema, bool, error) {
			return r.manifests.SchemaFromSnapshot(ctx, req.Image, req.Source)
		})
		if err != nil {
			return resolution{}, err
		}
	}

	archive, hasArchive, err := r.manifests.TableArchivePath(ctx, req.Image, req.Source)
	if err != nil {
		return resolution{}, err
	}
	switch {
	case !hasArchive && found:
		return resolution{kind: outcomeSchemaOnly, schema: schema.WithName(req.Target), schemaFound: true}, nil
	case !hasArchive:
		return resolution{kind: outcomeNotFound}, nil
	case found:
		return resolution{kind: outcomeSchemaAndArchive, schema: schema.WithName(req.Target), schemaFound: true, archive: archive}, nil
	default:
		empty, err := core.NewTableSchema(req.Target)
		if err != nil {
			return resolution{}, err
		}
		return resolution{kind: outcomeArchiveOnly, schema: empty, archive: archive}, nil
	}
}

// FullRestore restores one table from a full backup image. Any failure once
// bulk loading has begun leaves the target partially loaded; the whole table
// restore must be retried.
func (r *Restorer) FullRestore(ctx context.Context, req Request) (err error) {
	if req.Source.IsZero() {
		return &core.ConfigurationError{Message: "full restore requires a source table"}
	}
	if req.Target.IsZero() {
		req.Target = req.Source
	}

	ctx, span := r.tracer.Start(ctx, "Restorer.FullRestore")
	span.SetAttributes(
		attribute.String("restore.source", req.Source.String()),
		attribute.String("restore.target", req.Target.String()),
		attribute.String("restore.backup_id", req.Image.BackupID),
		attribute.Bool("restore.truncate", req.TruncateIfExists),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := r.hooks.Trigger(ctx, hooks.NewPreFullRestoreEvent(hooks.PreFullRestorePayload{
		Source:           req.Source,
		Target:           req.Target,
		Image:            req.Image,
		TruncateIfExists: req.TruncateIfExists,
	})); err != nil {
		return err
	}

	start := time.Now()
	post := hooks.PostFullRestorePayload{Source: req.Source, Target: req.Target, Image: req.Image}
	defer func() {
		post.Duration = time.Since(start)
		post.Error = err
		_ = r.hooks.Trigger(ctx, hooks.NewPostFullRestoreEvent(post))
	}()

	res, err := r.resolve(ctx, req)
	if err != nil {
		return err
	}
	post.Outcome = res.kind.String()
	span.SetAttributes(attribute.String("restore.outcome", res.kind.String()))
	r.logger.Info("Restoring table", "source", req.Source, "target", req.Target, "image", req.Image.String(), "outcome", res.kind.String())

	switch res.kind {
	case outcomeNotFound:
		return &core.NotFoundError{
			Resource: "table " + req.Source.String(),
			Message:  fmt.Sprintf("backup %s holds neither a schema nor a data archive", req.Image),
		}
	case outcomeSchemaOnly:
		_, err := r.prepareTarget(ctx, req, res, nil)
		return err
	case outcomeSchemaAndArchive, outcomeArchiveOnly:
		regionDirs, err := r.listRegionDirs(ctx, res.archive)
		if err != nil {
			return err
		}
		splits, err := r.prepareTarget(ctx, req, res, regionDirs)
		if err != nil {
			return err
		}
		post.SplitKeys = len(splits)
		if len(regionDirs) == 0 {
			r.logger.Info("Table archive holds no regions", "source", req.Source)
			return nil
		}
		loaded, err := r.load(ctx, req.Target, res.archive, regionDirs)
		post.RegionsLoaded = loaded
		if err != nil {
			return fmt.Errorf("restore of table %s failed: %w", req.Target, err)
		}
		r.logger.Info("Table restored", "target", req.Target, "regions", loaded, "elapsed", time.Since(start))
		return nil
	default:
		return fmt.Errorf("unexpected restore outcome %d", res.kind)
	}
}

// prepareTarget creates, truncates or reconciles the target table. It returns
// the split keys used for a newly created table.
func (r *Restorer) prepareTarget(ctx context.Context, req Request, res resolution, regionDirs []string) ([][]byte, error) {
	exists, err := r.admin.TableExists(ctx, req.Target)
	if err != nil {
		return nil, core.WrapTransport("tableExists "+req.Target.String(), err)
	}

	if exists {
		if req.TruncateIfExists {
			r.logger.Info("Truncating existing target table", "target", req.Target)
			if err := r.admin.DisableTable(ctx, req.Target); err != nil {
				return nil, core.WrapTransport("disableTable "+req.Target.String(), err)
			}
			if err := r.admin.TruncateTable(ctx, req.Target, true); err != nil {
				return nil, core.WrapTransport("truncateTable "+req.Target.String(), err)
			}
			if err := r.poller.WaitAvailable(ctx, req.Target, nil, r.availabilityTimeout); err != nil {
				return nil, err
			}
			_ = r.hooks.Trigger(ctx, hooks.NewPostSchemaChangeEvent(hooks.PostSchemaChangePayload{Table: req.Target, Truncated: true}))
			return nil, nil
		}
		if !res.schemaFound {
			r.logger.Info("Using existing target table as is", "target", req.Target)
			return nil, nil
		}
		live, err := r.admin.GetDescriptor(ctx, req.Target)
		if err != nil {
			return nil, core.WrapTransport("getDescriptor "+req.Target.String(), err)
		}
		if _, err := r.reconciler.DiffAndApply(ctx, live, res.schema); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var splits [][]byte
	if len(regionDirs) > 0 {
		splits, err = r.boundaries.Infer(ctx, regionDirs)
		if err != nil {
			return nil, err
		}
	}
	r.logger.Info("Creating target table", "target", req.Target, "families", res.schema.FamilyNames(), "split_keys", len(splits))
	if err := r.admin.CreateTable(ctx, res.schema, splits); err != nil {
		return nil, core.WrapTransport("createTable "+req.Target.String(), err)
	}
	if err := r.poller.WaitAvailable(ctx, req.Target, splits, r.availabilityTimeout); err != nil {
		return nil, err
	}
	_ = r.hooks.Trigger(ctx, hooks.NewPostSchemaChangeEvent(hooks.PostSchemaChangePayload{Table: req.Target, Created: true, SplitKeys: len(splits)}))
	return splits, nil
}

// listRegionDirs returns the URIs of the region directories of an archive.
func (r *Restorer) listRegionDirs(ctx context.Context, archive string) ([]string, error) {
	fs, dir, err := r.resolver.Resolve(archive)
	if err != nil {
		return nil, &core.ConfigurationError{Message: fmt.Sprintf("archive path %q: %v", archive, err)}
	}
	entries, err := fs.ListStatus(ctx, dir)
	if err != nil {
		return nil, core.WrapTransport("list table archive "+archive, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir || core.IsHiddenName(e.Name) {
			continue
		}
		dirs = append(dirs, storage.URI(fs, e.Path))
	}
	return dirs, nil
}

func (r *Restorer) load(ctx context.Context, target core.TableName, archive string, regionDirs []string) (int, error) {
	effective, err := r.guard.StageIfLocal(ctx, target, archive)
	if err != nil {
		return 0, err
	}
	if effective != archive {
		defer r.guard.Unstage(context.WithoutCancel(ctx), target)
		if regionDirs, err = r.listRegionDirs(ctx, effective); err != nil {
			return 0, err
		}
	}

	loaded := 0
	for _, dir := range regionDirs {
		payload := hooks.BulkLoadRegionPayload{Target: target, RegionDir: dir}
		if err := r.hooks.Trigger(ctx, hooks.NewPreBulkLoadRegionEvent(payload)); err != nil {
			return loaded, err
		}
		r.logger.Debug("Bulk loading region", "target", target, "region_dir", dir)
		payload.Error = r.loader.Load(ctx, dir, target)
		_ = r.hooks.Trigger(ctx, hooks.NewPostBulkLoadRegionEvent(payload))
		if payload.Error != nil {
			return loaded, core.WrapTransport("bulk load "+dir, payload.Error)
		}
		loaded++
	}
	return loaded, nil
}

// IncrementalRestore reconciles every target's schema with the incremental
// image and replays the log directories in one call.
func (r *Restorer) IncrementalRestore(ctx context.Context, req IncrementalRequest) (err error) {
	if len(req.Sources) != len(req.Targets) {
		return &core.ConfigurationError{Message: fmt.Sprintf("%d source tables but %d target tables", len(req.Sources), len(req.Targets))}
	}
	incID := req.IncrementalBackupID
	if incID == "" {
		incID = req.Image.IncrementalBackupID
	}
	if incID == "" {
		return &core.ConfigurationError{Message: "incremental restore requires an incremental backup id"}
	}
	if r.replay == nil {
		return &core.ConfigurationError{Message: "incremental restore requires a replay service"}
	}

	ctx, span := r.tracer.Start(ctx, "Restorer.IncrementalRestore")
	span.SetAttributes(
		attribute.String("restore.incremental_id", incID),
		attribute.Int("restore.tables", len(req.Sources)),
		attribute.Int("restore.log_dirs", len(req.LogDirs)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload := hooks.IncrementalRestorePayload{Sources: req.Sources, Targets: req.Targets, LogDirs: req.LogDirs, IncrementalBackupID: incID}
	if err := r.hooks.Trigger(ctx, hooks.NewPreIncrementalRestoreEvent(payload)); err != nil {
		return err
	}
	defer func() {
		payload.Error = err
		_ = r.hooks.Trigger(ctx, hooks.NewPostIncrementalRestoreEvent(payload))
	}()

	for _, target := range req.Targets {
		ok, err := r.admin.TableExists(ctx, target)
		if err != nil {
			return core.WrapTransport("tableExists "+target.String(), err)
		}
		if !ok {
			return &core.ConfigurationError{Message: fmt.Sprintf("incremental restore target table %s does not exist; run a full restore first", target)}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range req.Sources {
		source, target := req.Sources[i], req.Targets[i]
		g.Go(func() error {
			return r.reconcileIncremental(gctx, req.Image, incID, source, target)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Info("Replaying incremental images", "incremental_id", incID, "log_dirs", len(req.LogDirs), "tables", len(req.Targets))
	if err := r.replay.Replay(ctx, req.LogDirs, req.Sources, req.Targets, false); err != nil {
		return core.WrapTransport("replay", err)
	}
	return nil
}

func (r *Restorer) reconcileIncremental(ctx context.Context, image core.BackupImage, incID string, source, target core.TableName) error {
	schema, found, err := r.manifests.SchemaFromIncremental(ctx, image, incID, source)
	if err != nil {
		return err
	}
	if !found {
		return &core.NotFoundError{
			Resource: "table descriptor",
			Message:  fmt.Sprintf("incremental backup %s has no descriptor of table %s", incID, source),
		}
	}
	live, err := r.admin.GetDescriptor(ctx, target)
	if err != nil {
		return core.WrapTransport("getDescriptor "+target.String(), err)
	}
	changed, err := r.reconciler.DiffAndApply(ctx, live, schema.WithName(target))
	if err != nil {
		return err
	}
	r.logger.Debug("Reconciled incremental schema", "source", source, "target", target, "changed", changed)
	return nil
}
