package restore

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/hooks"
	"github.com/INLOpen/nexusrestore/internal/testutil"
	"github.com/INLOpen/nexusrestore/snapshot"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	srcTable    = core.NewTableName("ns", "orders")
	targetTable = core.NewTableName("ns", "orders_restored")
)

func newSnapshotReader() *snapshot.Reader {
	return snapshot.NewReader(storage.NewResolver(storage.S3Options{}), noop.NewTracerProvider().Tracer("test"), nil)
}

// schemaLike matches a schema by name and exact family descriptors.
func schemaLike(want core.TableSchema) interface{} {
	return mock.MatchedBy(func(got core.TableSchema) bool {
		if got.Name() != want.Name() {
			return false
		}
		_, cs := core.DiffSchemas(got, want)
		return cs.Empty()
	})
}

func regionURI(b *testutil.BackupBuilder, table core.TableName, region string) string {
	return storage.URI(b.FS, b.RegionDir(table, region))
}

type hookFunc func(context.Context, hooks.HookEvent) error

func (f hookFunc) OnEvent(ctx context.Context, e hooks.HookEvent) error {
	return f(ctx, e)
}

func (hookFunc) Priority() int { return 0 }
func (hookFunc) IsAsync() bool { return false }

func TestFullRestore_SingleRegionCreatesAndLoadsOnce(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "c", "m")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.loader.On("InferSplits", accHas(map[string]int{"a": 1, "m": -1})).Return(nil).Once()
	env.admin.On("CreateTable", mock.Anything, schemaLike(schema.WithName(targetTable)), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r1"), targetTable).Return(nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	err := r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()})
	require.NoError(t, err)
	env.assertExpectations(t)
}

func TestFullRestore_InferredSplitsReachCreateAndPoll(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "f")
	b.AddFile(srcTable, "r2", "cf", "f2", "k", "p")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.loader.On("InferSplits", mock.Anything).Return(splitKeys("k")).Once()
	env.admin.On("CreateTable", mock.Anything, mock.Anything, splitKeys("k")).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, splitKeys("k")).Return(false, nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, splitKeys("k")).Return(true, nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r1"), targetTable).Return(nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r2"), targetTable).Return(nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
}

func TestFullRestore_ZeroRegionsCreatesWithoutSplits(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.Mkdir(snapshot.ArchiveDir(b.Root, b.BackupID, srcTable))

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.admin.On("CreateTable", mock.Anything, schemaLike(schema.WithName(targetTable)), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
	env.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
	env.loader.AssertNotCalled(t, "InferSplits", mock.Anything)
}

func TestFullRestore_SchemaOnly(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"), testutil.Family("meta", "VERSIONS", "5"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.admin.On("CreateTable", mock.Anything, schemaLike(schema.WithName(targetTable)), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
	env.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
}

func TestFullRestore_SchemaOnlyReconcilesExistingTable(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"), testutil.Family("added"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	live := core.MustTableSchema(targetTable, testutil.Family("cf"), testutil.Family("dropped"))

	env.admin.On("TableExists", mock.Anything, targetTable).Return(true, nil).Once()
	env.admin.On("GetDescriptor", mock.Anything, targetTable).Return(live, nil).Once()
	env.admin.On("ModifyTable", mock.Anything, schemaLike(schema.WithName(targetTable))).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
}

func TestFullRestore_NotFound(t *testing.T) {
	t.Run("no snapshot directory", func(t *testing.T) {
		env := newTestEnv()
		b := testutil.NewBackup(t, "backup_1")
		r := env.restorer(t, newSnapshotReader(), nil, Options{})

		err := r.FullRestore(context.Background(), Request{Source: srcTable, Image: b.Image()})
		require.Error(t, err)
		assert.True(t, core.IsNotFoundError(err))
		env.admin.AssertNotCalled(t, "TableExists", mock.Anything, mock.Anything)
	})

	t.Run("neither schema nor archive", func(t *testing.T) {
		env := newTestEnv()
		b := testutil.NewBackup(t, "backup_1").WithEmptySnapshot(srcTable)
		r := env.restorer(t, newSnapshotReader(), nil, Options{})

		err := r.FullRestore(context.Background(), Request{Source: srcTable, Image: b.Image()})
		require.Error(t, err)
		assert.True(t, core.IsNotFoundError(err))
		assert.False(t, core.IsRetryable(err))
		env.admin.AssertNotCalled(t, "TableExists", mock.Anything, mock.Anything)
	})
}

func TestFullRestore_ArchiveOnlyUsesEmptySchema(t *testing.T) {
	env := newTestEnv()
	b := testutil.NewBackup(t, "backup_1").WithEmptySnapshot(srcTable)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "b")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.loader.On("InferSplits", mock.Anything).Return(nil).Once()
	env.admin.On("CreateTable", mock.Anything, mock.MatchedBy(func(s core.TableSchema) bool {
		return s.Name() == targetTable && len(s.Families()) == 0
	}), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r1"), targetTable).Return(nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
}

func TestFullRestore_TruncatesExistingTable(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "b")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(true, nil).Once()
	env.admin.On("DisableTable", mock.Anything, targetTable).Return(nil).Once()
	env.admin.On("TruncateTable", mock.Anything, targetTable, true).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r1"), targetTable).Return(nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, TruncateIfExists: true, Image: b.Image()}))
	env.assertExpectations(t)
	env.admin.AssertNotCalled(t, "CreateTable", mock.Anything, mock.Anything, mock.Anything)
	env.loader.AssertNotCalled(t, "InferSplits", mock.Anything)
}

func TestFullRestore_LoadFailureAbortsTable(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "b")
	b.AddFile(srcTable, "r2", "cf", "f2", "x", "y")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(true, nil).Once()
	env.admin.On("GetDescriptor", mock.Anything, targetTable).Return(schema.WithName(targetTable), nil).Once()
	env.loader.On("Load", mock.Anything, regionURI(b, srcTable, "r1"), targetTable).Return(errors.New("region server gone")).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	err := r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore of table ns:orders_restored failed")
	assert.True(t, core.IsTransportError(err))
	env.assertExpectations(t)
	env.loader.AssertNotCalled(t, "Load", mock.Anything, regionURI(b, srcTable, "r2"), targetTable)
}

func TestFullRestore_TargetDefaultsToSource(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)

	env.admin.On("TableExists", mock.Anything, srcTable).Return(false, nil).Once()
	env.admin.On("CreateTable", mock.Anything, schemaLike(schema), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, srcTable, [][]byte(nil)).Return(true, nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Image: b.Image()}))
	env.assertExpectations(t)
}

func TestFullRestore_IncrementalSchemaPreferred(t *testing.T) {
	env := newTestEnv()
	full := core.MustTableSchema(srcTable, testutil.Family("cf"))
	incremental := core.MustTableSchema(srcTable, testutil.Family("cf"), testutil.Family("later"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(full).WithIncrementalSchema("backup_2", incremental)

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.admin.On("CreateTable", mock.Anything, schemaLike(incremental.WithName(targetTable)), [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()

	r := env.restorer(t, newSnapshotReader(), nil, Options{})
	err := r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.IncrementalImage("backup_2")})
	require.NoError(t, err)
	env.assertExpectations(t)
}

func TestFullRestore_CachesSnapshotSchema(t *testing.T) {
	env := newTestEnv()
	image := core.BackupImage{RootPath: "/backups", BackupID: "backup_1"}
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))

	env.manifests.On("SnapshotExists", mock.Anything, image, srcTable).Return(true, nil).Twice()
	env.manifests.On("SchemaFromSnapshot", mock.Anything, image, srcTable).Return(schema, true, nil).Once()
	env.manifests.On("TableArchivePath", mock.Anything, image, srcTable).Return("", false, nil).Twice()
	for _, target := range []core.TableName{core.NewTableName("ns", "copy1"), core.NewTableName("ns", "copy2")} {
		env.admin.On("TableExists", mock.Anything, target).Return(false, nil).Once()
		env.admin.On("CreateTable", mock.Anything, schemaLike(schema.WithName(target)), [][]byte(nil)).Return(nil).Once()
		env.admin.On("IsTableAvailable", mock.Anything, target, [][]byte(nil)).Return(true, nil).Once()
	}

	r := env.restorer(t, nil, nil, Options{})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: core.NewTableName("ns", "copy1"), Image: image}))
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: core.NewTableName("ns", "copy2"), Image: image}))
	env.assertExpectations(t)

	cached, ok := r.cache.Lookup(srcTable)
	require.True(t, ok)
	assert.True(t, cached.Found)
}

func TestFullRestore_StagesArchiveOnClusterFilesystem(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a", "b")

	fs := storage.NewLocalFS()
	scratch := path.Join(filepath.ToSlash(t.TempDir()), "scratch")
	stagingDir := path.Join(scratch, "ns", "orders_restored")
	staged := storage.URI(fs, path.Join(stagingDir, "r1"))

	var loadedKeys []string
	env.admin.On("TableExists", mock.Anything, targetTable).Return(true, nil).Once()
	env.admin.On("GetDescriptor", mock.Anything, targetTable).Return(schema.WithName(targetTable), nil).Once()
	env.loader.On("Load", mock.Anything, staged, targetTable).Return(nil).Once().Run(func(mock.Arguments) {
		loadedKeys = testutil.ReadKeys(t, fs, path.Join(stagingDir, "r1", "cf", "f1"))
	})

	r := env.restorer(t, newSnapshotReader(), fs, Options{ScratchDir: scratch})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	env.assertExpectations(t)
	assert.Equal(t, []string{"a", "b"}, loadedKeys)

	// The staged copy is dropped once loaded and the backup itself is untouched.
	ok, err := fs.Exists(context.Background(), stagingDir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, testutil.ReadKeys(t, b.FS, path.Join(b.RegionDir(srcTable, "r1"), "cf", "f1")))
}

func TestFullRestore_ConcurrentRestoresStageSeparately(t *testing.T) {
	env := newTestEnv()
	fs := storage.NewLocalFS()
	scratch := path.Join(filepath.ToSlash(t.TempDir()), "scratch")
	b := testutil.NewBackup(t, "backup_1")

	type pair struct {
		source, target core.TableName
		keys           []string
	}
	pairs := []pair{
		{core.NewTableName("ns", "a"), core.NewTableName("ns", "a_restored"), []string{"a1", "a2"}},
		{core.NewTableName("ns", "b"), core.NewTableName("ns", "b_restored"), []string{"b1", "b2"}},
	}

	// Both loads wait for each other, so each reads its staged copy after the
	// other table has been staged too.
	var started sync.WaitGroup
	started.Add(len(pairs))
	bothStaged := make(chan struct{})
	go func() {
		started.Wait()
		close(bothStaged)
	}()

	var mu sync.Mutex
	loaded := make(map[core.TableName][]string)
	for _, p := range pairs {
		schema := core.MustTableSchema(p.source, testutil.Family("cf"))
		b.WithSchema(schema)
		b.AddFile(p.source, "r1", "cf", "f1", p.keys...)

		stagingDir := path.Join(scratch, p.target.Namespace, p.target.Qualifier)
		env.admin.On("TableExists", mock.Anything, p.target).Return(true, nil).Once()
		env.admin.On("GetDescriptor", mock.Anything, p.target).Return(schema.WithName(p.target), nil).Once()
		env.loader.On("Load", mock.Anything, storage.URI(fs, path.Join(stagingDir, "r1")), p.target).Return(nil).Once().Run(func(mock.Arguments) {
			started.Done()
			select {
			case <-bothStaged:
			case <-time.After(5 * time.Second):
			}
			keys := testutil.ReadKeys(t, fs, path.Join(stagingDir, "r1", "cf", "f1"))
			mu.Lock()
			loaded[p.target] = keys
			mu.Unlock()
		})
	}

	r := env.restorer(t, newSnapshotReader(), fs, Options{ScratchDir: scratch})
	errs := make([]error, len(pairs))
	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.FullRestore(context.Background(), Request{Source: p.source, Target: p.target, Image: b.Image()})
		}()
	}
	wg.Wait()

	for i, p := range pairs {
		require.NoError(t, errs[i], "restore of %s", p.target)
		assert.Equal(t, p.keys, loaded[p.target], "table %s loaded rows of another table", p.target)
	}
	env.assertExpectations(t)
}

func TestFullRestore_HooksObserveRestore(t *testing.T) {
	env := newTestEnv()
	schema := core.MustTableSchema(srcTable, testutil.Family("cf"))
	b := testutil.NewBackup(t, "backup_1").WithSchema(schema)
	b.AddFile(srcTable, "r1", "cf", "f1", "a")

	env.admin.On("TableExists", mock.Anything, targetTable).Return(false, nil).Once()
	env.loader.On("InferSplits", mock.Anything).Return(nil).Once()
	env.admin.On("CreateTable", mock.Anything, mock.Anything, [][]byte(nil)).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targetTable, [][]byte(nil)).Return(true, nil).Once()
	env.loader.On("Load", mock.Anything, mock.Anything, targetTable).Return(nil).Once()

	hm := hooks.NewHookManager(nil)
	var seen []hooks.EventType
	var post hooks.PostFullRestorePayload
	record := hookFunc(func(_ context.Context, e hooks.HookEvent) error {
		seen = append(seen, e.Type())
		if p, ok := e.Payload().(hooks.PostFullRestorePayload); ok {
			post = p
		}
		return nil
	})
	for _, et := range []hooks.EventType{hooks.EventPreFullRestore, hooks.EventPostSchemaChange, hooks.EventPreBulkLoadRegion, hooks.EventPostBulkLoadRegion, hooks.EventPostFullRestore} {
		hm.Register(et, record)
	}

	r := env.restorer(t, newSnapshotReader(), nil, Options{Hooks: hm})
	require.NoError(t, r.FullRestore(context.Background(), Request{Source: srcTable, Target: targetTable, Image: b.Image()}))
	assert.Equal(t, []hooks.EventType{
		hooks.EventPreFullRestore,
		hooks.EventPostSchemaChange,
		hooks.EventPreBulkLoadRegion,
		hooks.EventPostBulkLoadRegion,
		hooks.EventPostFullRestore,
	}, seen)
	assert.Equal(t, "schema-and-archive", post.Outcome)
	assert.Equal(t, 1, post.RegionsLoaded)
	assert.NoError(t, post.Error)
}

func TestFullRestore_PreHookVetoes(t *testing.T) {
	env := newTestEnv()
	hm := hooks.NewHookManager(nil)
	veto := errors.New("maintenance window")
	hm.Register(hooks.EventPreFullRestore, hookFunc(func(context.Context, hooks.HookEvent) error { return veto }))

	r := env.restorer(t, nil, nil, Options{Hooks: hm})
	err := r.FullRestore(context.Background(), Request{Source: srcTable, Image: core.BackupImage{RootPath: "/x", BackupID: "b"}})
	assert.ErrorIs(t, err, veto)
	env.assertExpectations(t)
	env.manifests.AssertNotCalled(t, "SnapshotExists", mock.Anything, mock.Anything, mock.Anything)
}

func TestFullRestore_RequiresSource(t *testing.T) {
	env := newTestEnv()
	r := env.restorer(t, nil, nil, Options{})
	err := r.FullRestore(context.Background(), Request{})
	assert.True(t, core.IsConfigurationError(err))
}

func TestIncrementalRestore_LengthMismatchFailsBeforeAnyCall(t *testing.T) {
	env := newTestEnv()
	r := env.restorer(t, nil, nil, Options{})

	err := r.IncrementalRestore(context.Background(), IncrementalRequest{
		Image:               core.BackupImage{RootPath: "/b", BackupID: "full"},
		Sources:             []core.TableName{core.NewTableName("", "a"), core.NewTableName("", "b")},
		Targets:             []core.TableName{core.NewTableName("", "a")},
		IncrementalBackupID: "inc",
	})
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
	assert.Empty(t, env.admin.Calls)
	assert.Empty(t, env.manifests.Calls)
	assert.Empty(t, env.replay.Calls)
}

func TestIncrementalRestore_MissingTarget(t *testing.T) {
	env := newTestEnv()
	a, missing := core.NewTableName("", "a"), core.NewTableName("", "missing")
	env.admin.On("TableExists", mock.Anything, a).Return(true, nil).Once()
	env.admin.On("TableExists", mock.Anything, missing).Return(false, nil).Once()

	r := env.restorer(t, nil, nil, Options{})
	err := r.IncrementalRestore(context.Background(), IncrementalRequest{
		Sources:             []core.TableName{a, a},
		Targets:             []core.TableName{a, missing},
		IncrementalBackupID: "inc",
	})
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "default:missing")
	env.assertExpectations(t)
	env.replay.AssertNotCalled(t, "Replay", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIncrementalRestore_ReconcilesThenReplaysOnce(t *testing.T) {
	env := newTestEnv()
	image := core.BackupImage{RootPath: "/backups", BackupID: "full_1"}
	sources := []core.TableName{core.NewTableName("", "orders"), core.NewTableName("", "users")}
	targets := []core.TableName{core.NewTableName("", "orders_r"), core.NewTableName("", "users_r")}
	logDirs := []string{"/backups/inc_1", "/backups/inc_2"}

	// orders gained a family; users is unchanged.
	env.manifests.On("SchemaFromIncremental", mock.Anything, image, "inc_2", sources[0]).
		Return(core.MustTableSchema(sources[0], testutil.Family("cf"), testutil.Family("extra")), true, nil).Once()
	env.manifests.On("SchemaFromIncremental", mock.Anything, image, "inc_2", sources[1]).
		Return(core.MustTableSchema(sources[1], testutil.Family("cf")), true, nil).Once()
	for _, tn := range targets {
		env.admin.On("TableExists", mock.Anything, tn).Return(true, nil).Once()
		env.admin.On("GetDescriptor", mock.Anything, tn).Return(core.MustTableSchema(tn, testutil.Family("cf")), nil).Once()
	}
	env.admin.On("ModifyTable", mock.Anything, schemaLike(core.MustTableSchema(targets[0], testutil.Family("cf"), testutil.Family("extra")))).Return(nil).Once()
	env.admin.On("IsTableAvailable", mock.Anything, targets[0], [][]byte(nil)).Return(true, nil).Once()
	env.replay.On("Replay", mock.Anything, logDirs, sources, targets, false).Return(nil).Once()

	r := env.restorer(t, nil, nil, Options{Concurrency: 2})
	err := r.IncrementalRestore(context.Background(), IncrementalRequest{
		Image:               image,
		Sources:             sources,
		Targets:             targets,
		LogDirs:             logDirs,
		IncrementalBackupID: "inc_2",
	})
	require.NoError(t, err)
	env.assertExpectations(t)
}

func TestIncrementalRestore_MissingDescriptor(t *testing.T) {
	env := newTestEnv()
	tn := core.NewTableName("", "orders")
	env.admin.On("TableExists", mock.Anything, tn).Return(true, nil).Once()
	env.manifests.On("SchemaFromIncremental", mock.Anything, mock.Anything, "inc", tn).Return(core.TableSchema{}, false, nil).Once()

	r := env.restorer(t, nil, nil, Options{})
	err := r.IncrementalRestore(context.Background(), IncrementalRequest{
		Sources: []core.TableName{tn}, Targets: []core.TableName{tn}, IncrementalBackupID: "inc",
	})
	assert.True(t, core.IsNotFoundError(err))
	env.replay.AssertNotCalled(t, "Replay", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIncrementalRestore_ReplayFailure(t *testing.T) {
	env := newTestEnv()
	tn := core.NewTableName("", "orders")
	schema := core.MustTableSchema(tn, testutil.Family("cf"))
	env.admin.On("TableExists", mock.Anything, tn).Return(true, nil).Once()
	env.admin.On("GetDescriptor", mock.Anything, tn).Return(schema, nil).Once()
	env.manifests.On("SchemaFromIncremental", mock.Anything, mock.Anything, "inc", tn).Return(schema, true, nil).Once()
	env.replay.On("Replay", mock.Anything, []string{"/logs"}, []core.TableName{tn}, []core.TableName{tn}, false).Return(errors.New("mapper died")).Once()

	r := env.restorer(t, nil, nil, Options{})
	err := r.IncrementalRestore(context.Background(), IncrementalRequest{
		Image:   core.BackupImage{IncrementalBackupID: "inc"},
		Sources: []core.TableName{tn}, Targets: []core.TableName{tn}, LogDirs: []string{"/logs"},
	})
	require.Error(t, err)
	assert.True(t, core.IsTransportError(err))
	assert.True(t, strings.Contains(err.Error(), "mapper died"))
	env.assertExpectations(t)
}
