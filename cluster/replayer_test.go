package cluster

import (
	"context"
	"path"
	"testing"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/internal/testutil"
	"github.com/INLOpen/nexusrestore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayer_Replay(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t, 0)
	src := core.NewTableName("", "orders")
	other := core.NewTableName("", "customers")
	target := core.NewTableName("", "orders_restored")
	otherTarget := core.NewTableName("", "customers_restored")
	for _, tn := range []core.TableName{target, otherTarget} {
		require.NoError(t, c.CreateTable(ctx, core.MustTableSchema(tn, testutil.Family("cf")), nil))
	}

	b := testutil.NewBackup(t, "backup_1")
	schema := core.MustTableSchema(src, testutil.Family("cf"))
	b.WithIncrementalSchema("inc_1", schema)
	b.AddIncrementalFile("inc_1", src, "r1", "cf", "f1", "a", "b")
	b.AddIncrementalFile("inc_2", src, "r7", "cf", "f2", "q")

	resolver := storage.NewResolver(storage.S3Options{})
	replayer := NewReplayer(NewLoader(LoaderOptions{Catalog: c, Resolver: resolver}), resolver, nil)
	err := replayer.Replay(ctx,
		[]string{b.LogDir("inc_1"), b.LogDir("inc_2")},
		[]core.TableName{src, other},
		[]core.TableName{target, otherTarget},
		false)
	require.NoError(t, err)

	regions, err := c.Regions(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, listNames(t, c.FileSystem(), path.Join(c.RegionPath(target, regions[0]), "cf")))

	regions, err = c.Regions(ctx, otherTarget)
	require.NoError(t, err)
	assert.Empty(t, listNames(t, c.FileSystem(), path.Join(c.RegionPath(otherTarget, regions[0]), "cf")))
}

func TestReplayer_LengthMismatch(t *testing.T) {
	replayer := NewReplayer(nil, storage.NewResolver(storage.S3Options{}), nil)
	err := replayer.Replay(context.Background(), nil, []core.TableName{core.NewTableName("", "a")}, nil, false)
	assert.True(t, core.IsConfigurationError(err))
}
