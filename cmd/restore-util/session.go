package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/INLOpen/nexusrestore/cluster"
	"github.com/INLOpen/nexusrestore/config"
	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/hooks"
	"github.com/INLOpen/nexusrestore/hooks/listeners"
	"github.com/INLOpen/nexusrestore/restore"
	"github.com/INLOpen/nexusrestore/snapshot"
	"github.com/INLOpen/nexusrestore/sstable"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// session is one restore-util invocation: a configured restorer writing into
// the local cluster, with its own scratch sub-directory.
type session struct {
	id       string
	cfg      *config.Config
	image    core.BackupImage
	catalog  *cluster.Catalog
	restorer *restore.Restorer
	tracer   trace.Tracer
	logger   *slog.Logger
	cleanup  []func()
}

func openSession(ctx context.Context, flags *globalFlags) (_ *session, err error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	flags.apply(cfg)
	if cfg.Backup.BackupID == "" {
		return nil, &core.ConfigurationError{Message: "a backup id is required (backup.backup_id or --backup-id)"}
	}

	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	s := &session{id: uuid.NewString(), cfg: cfg}
	if closer != nil {
		s.cleanup = append(s.cleanup, func() { _ = closer.Close() })
	}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()
	s.logger = logger.With("session_id", s.id)

	tp, shutdownTracer, err := initTracerProvider(cfg.Tracing, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	s.cleanup = append(s.cleanup, shutdownTracer)
	tracer := tp.Tracer("nexusrestore")
	s.tracer = tracer

	resolver := storage.NewResolver(cfg.Backup.S3)
	clusterFS := storage.NewLocalFS()
	dataDir, err := localPath(cfg.Cluster.DataDir)
	if err != nil {
		return nil, err
	}
	scratchRoot, err := localPath(cfg.Restore.ScratchDir)
	if err != nil {
		return nil, err
	}

	s.catalog, err = cluster.NewCatalog(ctx, cluster.CatalogOptions{
		FS:                clusterFS,
		Root:              dataDir,
		AvailabilityDelay: config.ParseDuration(cfg.Cluster.AvailabilityDelay, 0, s.logger),
		Logger:            s.logger,
	})
	if err != nil {
		return nil, err
	}
	loader := cluster.NewLoader(cluster.LoaderOptions{
		Catalog:     s.catalog,
		Resolver:    resolver,
		IgnoreDirs:  cfg.Restore.IgnoreDirs,
		Compression: cfg.DataFile.Compression,
		BlockSize:   cfg.DataFile.BlockSizeBytes,
		Tracer:      tracer,
		Logger:      s.logger,
	})

	hookManager := hooks.NewHookManager(s.logger)
	listeners.NewRestoreStatsListener(s.logger).Register(hookManager)

	s.restorer, err = restore.NewRestorer(restore.Dependencies{
		Admin:     s.catalog,
		Resolver:  resolver,
		Files:     &sstable.Opener{Resolver: resolver, Tracer: tracer, Logger: s.logger},
		Manifests: snapshot.NewReader(resolver, tracer, s.logger),
		Loader:    loader,
		Replay:    cluster.NewReplayer(loader, resolver, s.logger),
		ClusterFS: clusterFS,
	}, restore.Options{
		ScratchDir:          path.Join(scratchRoot, s.id),
		IgnoreDirs:          cfg.Restore.IgnoreDirs,
		AvailabilityTimeout: config.ParseDuration(cfg.Restore.AvailabilityTimeout, restore.DefaultAvailabilityTimeout, s.logger),
		ModifyTimeout:       config.ParseDuration(cfg.Restore.ModifyTimeout, restore.DefaultAvailabilityTimeout, s.logger),
		PollInterval:        config.ParseDuration(cfg.Restore.PollInterval, restore.DefaultPollInterval, s.logger),
		Concurrency:         cfg.Restore.Concurrency,
		Hooks:               hookManager,
		Tracer:              tracer,
		Logger:              s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.image = core.BackupImage{RootPath: cfg.Backup.RootPath, BackupID: cfg.Backup.BackupID}
	s.logger.Info("Restore session opened", "backup", s.image.String(), "data_dir", dataDir)
	return s, nil
}

// close releases the scratch directory, logs the session counters and shuts
// the tracer and log file down, in that order.
func (s *session) close(ctx context.Context) {
	if s.restorer != nil {
		if err := s.restorer.Close(ctx); err != nil {
			s.logger.Warn("Failed to release restore scratch directory", "error", err)
		}
		s.logStats()
	}
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func (s *session) logStats() {
	attrs := []any{}
	for _, name := range []string{
		"restore_tables_restored_total",
		"restore_tables_failed_total",
		"restore_regions_loaded_total",
		"restore_schema_changes_total",
		"restore_incremental_total",
	} {
		if v := expvar.Get(name); v != nil {
			attrs = append(attrs, name, v.String())
		}
	}
	s.logger.Info("Restore session statistics", attrs...)
}

func localPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("invalid local path %q: %w", p, err)
	}
	return filepath.ToSlash(abs), nil
}
