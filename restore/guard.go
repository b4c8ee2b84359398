package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/INLOpen/nexusrestore/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultScratchLockTimeout bounds the wait for the scratch directory lock.
const DefaultScratchLockTimeout = 2 * time.Second

// Guard stages archives that live on the cluster's own filesystem into a
// scratch directory, so the bulk load never moves files out of the backup.
type Guard struct {
	clusterFS   storage.FileSystem
	scratchDir  string
	resolver    storage.PathResolver
	lockTimeout time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger

	mu      sync.Mutex
	release func() error
	staged  map[core.TableName]struct{}
}

func NewGuard(clusterFS storage.FileSystem, scratchDir string, resolver storage.PathResolver, tracer trace.Tracer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guard{
		clusterFS:   clusterFS,
		scratchDir:  scratchDir,
		resolver:    resolver,
		lockTimeout: DefaultScratchLockTimeout,
		staged:      make(map[core.TableName]struct{}),
		tracer:      tracer,
		logger:      logger.With("component", "LocalDuplicationGuard"),
	}
}

// StagingDir is where StageIfLocal copies the archive of target.
func (g *Guard) StagingDir(target core.TableName) string {
	return path.Join(g.scratchDir, target.Namespace, target.Qualifier)
}

// StageIfLocal returns archivePath unchanged when it lives on a different
// filesystem than the cluster. Otherwise the archive is copied into the
// staging directory of target, replacing whatever an earlier call left there,
// and the staging URI is returned. A staged target stays reserved until
// Unstage, so two restores of one target in a session are rejected.
func (g *Guard) StageIfLocal(ctx context.Context, target core.TableName, archivePath string) (effective string, err error) {
	ctx, span := g.tracer.Start(ctx, "Guard.StageIfLocal")
	defer func() {
		span.SetAttributes(attribute.Bool("restore.staged", err == nil && effective != archivePath))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("restore.archive", archivePath),
		attribute.String("restore.target", target.String()),
	)

	srcFS, src, err := g.resolver.Resolve(archivePath)
	if err != nil {
		return "", &core.ConfigurationError{Message: fmt.Sprintf("archive path %q: %v", archivePath, err)}
	}
	if srcFS.Authority() != g.clusterFS.Authority() {
		g.logger.Debug("Archive is on a different filesystem, loading in place", "archive", archivePath, "cluster", g.clusterFS.Authority())
		return archivePath, nil
	}
	if g.scratchDir == "" {
		return "", &core.ConfigurationError{Message: "archive is on the cluster filesystem but no scratch directory is configured"}
	}
	if err := g.reserve(ctx, target); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			g.Unstage(ctx, target)
		}
	}()

	dir := g.StagingDir(target)
	size, err := storage.DiskUsage(ctx, srcFS, src)
	if err != nil {
		return "", core.WrapTransport("measure archive "+archivePath, err)
	}
	if g.clusterFS.Authority() == storage.LocalAuthority {
		if err := sys.EnsureFreeSpace(filepath.FromSlash(g.scratchDir), uint64(size)); err != nil {
			if errors.Is(err, sys.ErrInsufficientSpace) {
				return "", &core.ConfigurationError{Message: err.Error()}
			}
			return "", err
		}
	}

	if err := g.clusterFS.Delete(ctx, dir, true); err != nil && !storage.IsNotExist(err) {
		g.logger.Warn("Failed to delete stale staging directory", "path", dir, "error", err)
	}
	g.logger.Info("Copying archive to staging directory", "archive", archivePath, "staging", dir, "bytes", size)
	if err := storage.Copy(ctx, srcFS, src, g.clusterFS, dir); err != nil {
		return "", core.WrapTransport("stage archive "+archivePath, err)
	}
	return storage.URI(g.clusterFS, dir), nil
}

// reserve takes the session lock and marks target as staged.
func (g *Guard) reserve(ctx context.Context, target core.TableName) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.lockScratch(ctx); err != nil {
		return err
	}
	if _, busy := g.staged[target]; busy {
		return &core.ConfigurationError{Message: fmt.Sprintf("table %s is already being restored in this session", target)}
	}
	g.staged[target] = struct{}{}
	return nil
}

// Unstage deletes the staging directory of target and releases it. It is a
// no-op for a target that is not staged.
func (g *Guard) Unstage(ctx context.Context, target core.TableName) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.staged[target]; !ok {
		return
	}
	dir := g.StagingDir(target)
	if err := g.clusterFS.Delete(ctx, dir, true); err != nil && !storage.IsNotExist(err) {
		g.logger.Warn("Failed to delete staging directory", "path", dir, "error", err)
	}
	delete(g.staged, target)
}

// lockScratch takes the session lock on <scratch>.lock once. Callers hold g.mu.
func (g *Guard) lockScratch(ctx context.Context) error {
	if g.release != nil {
		return nil
	}
	if g.clusterFS.Authority() != storage.LocalAuthority {
		// Object stores have no advisory locks; the session id keeps scratch paths apart.
		g.release = func() error { return nil }
		return nil
	}
	lockPath := g.scratchDir + core.ScratchLockSuffix
	if err := g.clusterFS.MkdirAll(ctx, path.Dir(lockPath)); err != nil {
		return core.WrapTransport("create scratch parent", err)
	}
	release, err := sys.AcquireOSFileLock(filepath.FromSlash(lockPath), g.lockTimeout)
	if err != nil {
		if errors.Is(err, sys.ErrLockHeld) {
			return &core.ConfigurationError{Message: fmt.Sprintf("scratch directory %s is in use by another restore", g.scratchDir)}
		}
		return fmt.Errorf("lock scratch directory %s: %w", g.scratchDir, err)
	}
	g.release = release
	return nil
}

// Close deletes the scratch directory and releases its lock.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release == nil {
		return nil
	}
	if err := g.clusterFS.Delete(ctx, g.scratchDir, true); err != nil && !storage.IsNotExist(err) {
		g.logger.Warn("Failed to delete scratch directory", "path", g.scratchDir, "error", err)
	}
	err := g.release()
	g.release = nil
	clear(g.staged)
	return err
}
