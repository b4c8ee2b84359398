package restore

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/sstable"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace/noop"
)

// --- Mocks ---

type mockAdmin struct {
	mock.Mock
}

func (m *mockAdmin) TableExists(ctx context.Context, table core.TableName) (bool, error) {
	args := m.Called(ctx, table)
	return args.Bool(0), args.Error(1)
}

func (m *mockAdmin) GetDescriptor(ctx context.Context, table core.TableName) (core.TableSchema, error) {
	args := m.Called(ctx, table)
	return args.Get(0).(core.TableSchema), args.Error(1)
}

func (m *mockAdmin) CreateTable(ctx context.Context, schema core.TableSchema, splitKeys [][]byte) error {
	return m.Called(ctx, schema, splitKeys).Error(0)
}

func (m *mockAdmin) ModifyTable(ctx context.Context, schema core.TableSchema) error {
	return m.Called(ctx, schema).Error(0)
}

func (m *mockAdmin) DisableTable(ctx context.Context, table core.TableName) error {
	return m.Called(ctx, table).Error(0)
}

func (m *mockAdmin) TruncateTable(ctx context.Context, table core.TableName, preserveSplits bool) error {
	return m.Called(ctx, table, preserveSplits).Error(0)
}

func (m *mockAdmin) IsTableAvailable(ctx context.Context, table core.TableName, splitKeys [][]byte) (bool, error) {
	args := m.Called(ctx, table, splitKeys)
	return args.Bool(0), args.Error(1)
}

type mockManifestReader struct {
	mock.Mock
}

func (m *mockManifestReader) SnapshotExists(ctx context.Context, image core.BackupImage, table core.TableName) (bool, error) {
	args := m.Called(ctx, image, table)
	return args.Bool(0), args.Error(1)
}

func (m *mockManifestReader) SchemaFromSnapshot(ctx context.Context, image core.BackupImage, table core.TableName) (core.TableSchema, bool, error) {
	args := m.Called(ctx, image, table)
	return args.Get(0).(core.TableSchema), args.Bool(1), args.Error(2)
}

func (m *mockManifestReader) SchemaFromIncremental(ctx context.Context, image core.BackupImage, incrementalID string, table core.TableName) (core.TableSchema, bool, error) {
	args := m.Called(ctx, image, incrementalID, table)
	return args.Get(0).(core.TableSchema), args.Bool(1), args.Error(2)
}

func (m *mockManifestReader) TableArchivePath(ctx context.Context, image core.BackupImage, table core.TableName) (string, bool, error) {
	args := m.Called(ctx, image, table)
	return args.String(0), args.Bool(1), args.Error(2)
}

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(ctx context.Context, regionDir string, target core.TableName) error {
	return m.Called(ctx, regionDir, target).Error(0)
}

func (m *mockLoader) InferSplits(acc *core.BoundaryAccumulator) [][]byte {
	args := m.Called(acc)
	if v := args.Get(0); v != nil {
		return v.([][]byte)
	}
	return nil
}

type mockReplay struct {
	mock.Mock
}

func (m *mockReplay) Replay(ctx context.Context, logDirs []string, sources, targets []core.TableName, bulkLoadMode bool) error {
	return m.Called(ctx, logDirs, sources, targets, bulkLoadMode).Error(0)
}

// remoteFS makes a filesystem look like a different cluster.
type remoteFS struct {
	storage.FileSystem
}

func (remoteFS) Authority() string { return "s3://cluster" }

// --- Helpers ---

func splitKeys(ks ...string) [][]byte {
	if len(ks) == 0 {
		return nil
	}
	out := make([][]byte, len(ks))
	for i, k := range ks {
		out[i] = []byte(k)
	}
	return out
}

func accHas(want map[string]int) interface{} {
	return mock.MatchedBy(func(acc *core.BoundaryAccumulator) bool {
		if acc.Len() != len(want) {
			return false
		}
		for k, w := range want {
			got, ok := acc.Weight([]byte(k))
			if !ok || got != w {
				return false
			}
		}
		return true
	})
}

type testEnv struct {
	admin     *mockAdmin
	manifests *mockManifestReader
	loader    *mockLoader
	replay    *mockReplay
}

func newTestEnv() *testEnv {
	return &testEnv{
		admin:     new(mockAdmin),
		manifests: new(mockManifestReader),
		loader:    new(mockLoader),
		replay:    new(mockReplay),
	}
}

func (e *testEnv) assertExpectations(t *testing.T) {
	e.admin.AssertExpectations(t)
	e.manifests.AssertExpectations(t)
	e.loader.AssertExpectations(t)
	e.replay.AssertExpectations(t)
}

// restorer builds a Restorer whose manifests come from mr. The cluster looks
// remote unless clusterFS is given.
func (e *testEnv) restorer(t *testing.T, mr ManifestReader, clusterFS storage.FileSystem, opts Options) *Restorer {
	t.Helper()
	if mr == nil {
		mr = e.manifests
	}
	if clusterFS == nil {
		clusterFS = remoteFS{storage.NewLocalFS()}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	opts.Tracer = noop.NewTracerProvider().Tracer("test")
	resolver := storage.NewResolver(storage.S3Options{})
	r, err := NewRestorer(Dependencies{
		Admin:     e.admin,
		Resolver:  resolver,
		Files:     &sstable.Opener{Resolver: resolver},
		Manifests: mr,
		Loader:    e.loader,
		Replay:    e.replay,
		ClusterFS: clusterFS,
	}, opts)
	if err != nil {
		t.Fatalf("NewRestorer: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}
