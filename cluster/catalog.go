// Package cluster is a single-node table store that the restore orchestrator
// drives through its Admin, BulkLoadExecutor and ReplayService interfaces.
//
// Layout below the data directory:
//
//	<data>/<ns>/<qualifier>/.tabledesc/tableinfo
//	<data>/<ns>/<qualifier>/regions.json
//	<data>/<ns>/<qualifier>/state
//	<data>/<ns>/<qualifier>/region-NNNN/<family>/<file>
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/snapshot"
	"github.com/INLOpen/nexusrestore/storage"
)

const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

var (
	ErrTableExists      = errors.New("table already exists")
	ErrTableNotFound    = errors.New("table not found")
	ErrTableNotDisabled = errors.New("table is not disabled")
)

// Region is a contiguous row-key range of a table. An empty StartKey or
// EndKey means unbounded on that side.
type Region struct {
	Name     string `json:"name"`
	StartKey []byte `json:"start_key,omitempty"`
	EndKey   []byte `json:"end_key,omitempty"`
}

// Contains reports whether key falls into [StartKey, EndKey).
func (r Region) Contains(key []byte) bool {
	if bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	return len(r.EndKey) == 0 || bytes.Compare(key, r.EndKey) < 0
}

type regionsFile struct {
	Version int      `json:"version"`
	Regions []Region `json:"regions"`
}

type tableState struct {
	State      string    `json:"state"`
	AssignedAt time.Time `json:"assigned_at"`
}

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	FS   storage.FileSystem
	Root string
	// AvailabilityDelay keeps a table unavailable for this long after its
	// regions were (re)assigned.
	AvailabilityDelay time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// Catalog stores table descriptors, region layouts and table states.
type Catalog struct {
	fs                storage.FileSystem
	root              string
	availabilityDelay time.Duration
	now               func() time.Time
	logger            *slog.Logger

	mu sync.Mutex
}

func NewCatalog(ctx context.Context, opts CatalogOptions) (*Catalog, error) {
	if opts.FS == nil {
		return nil, fmt.Errorf("cluster catalog requires a filesystem")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("cluster catalog requires a data directory")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := opts.FS.MkdirAll(ctx, opts.Root); err != nil {
		return nil, fmt.Errorf("failed to create cluster data dir %s: %w", opts.Root, err)
	}
	return &Catalog{
		fs:                opts.FS,
		root:              opts.Root,
		availabilityDelay: opts.AvailabilityDelay,
		now:               opts.Now,
		logger:            opts.Logger.With("component", "ClusterCatalog"),
	}, nil
}

// FileSystem is the filesystem the cluster stores its data on.
func (c *Catalog) FileSystem() storage.FileSystem { return c.fs }

// Root is the data directory on FileSystem.
func (c *Catalog) Root() string { return c.root }

// TableDir returns the directory of a table.
func (c *Catalog) TableDir(table core.TableName) string {
	return path.Join(c.root, table.Namespace, table.Qualifier)
}

func (c *Catalog) descriptorPath(table core.TableName) string {
	return path.Join(c.TableDir(table), core.TableDescriptorDirName, core.TableInfoFileName)
}

func (c *Catalog) regionsPath(table core.TableName) string {
	return path.Join(c.TableDir(table), core.RegionsFileName)
}

func (c *Catalog) statePath(table core.TableName) string {
	return path.Join(c.TableDir(table), core.TableStateFile)
}

// RegionPath returns the directory of one region.
func (c *Catalog) RegionPath(table core.TableName, region Region) string {
	return path.Join(c.TableDir(table), region.Name)
}

func regionName(i int) string {
	return fmt.Sprintf("%s%04d", core.RegionDirPrefix, i)
}

// regionsFromSplits builds len(splitKeys)+1 regions covering the key space.
func regionsFromSplits(splitKeys [][]byte) ([]Region, error) {
	for i := 1; i < len(splitKeys); i++ {
		if bytes.Compare(splitKeys[i-1], splitKeys[i]) >= 0 {
			return nil, &core.ConfigurationError{Message: fmt.Sprintf("split keys must be strictly increasing, got %q before %q", splitKeys[i-1], splitKeys[i])}
		}
	}
	for _, k := range splitKeys {
		if len(k) == 0 {
			return nil, &core.ConfigurationError{Message: "split keys must not be empty"}
		}
	}
	regions := make([]Region, 0, len(splitKeys)+1)
	var start []byte
	for i, k := range splitKeys {
		regions = append(regions, Region{Name: regionName(i), StartKey: start, EndKey: bytes.Clone(k)})
		start = bytes.Clone(k)
	}
	return append(regions, Region{Name: regionName(len(splitKeys)), StartKey: start}), nil
}

func (c *Catalog) writeJSON(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	if err := storage.WriteAll(ctx, c.fs, p, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (c *Catalog) readJSON(ctx context.Context, p string, v any) error {
	data, err := storage.ReadAll(ctx, c.fs, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return nil
}

func (c *Catalog) exists(ctx context.Context, table core.TableName) (bool, error) {
	return c.fs.Exists(ctx, c.descriptorPath(table))
}

func (c *Catalog) mustExist(ctx context.Context, table core.TableName) error {
	ok, err := c.exists(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return nil
}

func (c *Catalog) readState(ctx context.Context, table core.TableName) (tableState, error) {
	var st tableState
	if err := c.readJSON(ctx, c.statePath(table), &st); err != nil {
		return tableState{}, err
	}
	return st, nil
}

func (c *Catalog) writeState(ctx context.Context, table core.TableName, state string) error {
	return c.writeJSON(ctx, c.statePath(table), tableState{State: state, AssignedAt: c.now().UTC()})
}

func (c *Catalog) writeRegions(ctx context.Context, table core.TableName, regions []Region, families []string) error {
	for _, r := range regions {
		for _, f := range families {
			if err := c.fs.MkdirAll(ctx, path.Join(c.RegionPath(table, r), f)); err != nil {
				return fmt.Errorf("failed to create region dir %s: %w", r.Name, err)
			}
		}
	}
	return c.writeJSON(ctx, c.regionsPath(table), regionsFile{Version: int(core.FormatVersion), Regions: regions})
}

// Regions returns the regions of a table ordered by start key.
func (c *Catalog) Regions(ctx context.Context, table core.TableName) ([]Region, error) {
	var rf regionsFile
	if err := c.readJSON(ctx, c.regionsPath(table), &rf); err != nil {
		if storage.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return nil, err
	}
	return rf.Regions, nil
}

// TableExists reports whether a descriptor exists for table.
func (c *Catalog) TableExists(ctx context.Context, table core.TableName) (bool, error) {
	return c.exists(ctx, table)
}

// GetDescriptor returns the live schema of a table.
func (c *Catalog) GetDescriptor(ctx context.Context, table core.TableName) (core.TableSchema, error) {
	data, err := storage.ReadAll(ctx, c.fs, c.descriptorPath(table))
	if err != nil {
		if storage.IsNotExist(err) {
			return core.TableSchema{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return core.TableSchema{}, err
	}
	return snapshot.DecodeSchema(data)
}

// CreateTable creates an enabled table with one region per split interval.
func (c *Catalog) CreateTable(ctx context.Context, schema core.TableSchema, splitKeys [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := schema.Name()
	ok, err := c.exists(ctx, table)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrTableExists, table)
	}
	regions, err := regionsFromSplits(splitKeys)
	if err != nil {
		return err
	}
	if err := c.writeRegions(ctx, table, regions, schema.FamilyNames()); err != nil {
		return err
	}
	if err := c.writeState(ctx, table, StateEnabled); err != nil {
		return err
	}
	// The descriptor goes last; its presence is what makes the table exist.
	data, err := snapshot.EncodeSchema(schema)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor of %s: %w", table, err)
	}
	if err := storage.WriteAll(ctx, c.fs, c.descriptorPath(table), data); err != nil {
		return fmt.Errorf("failed to write descriptor of %s: %w", table, err)
	}
	c.logger.Info("Table created", "table", table, "regions", len(regions), "families", schema.FamilyNames())
	return nil
}

// ModifyTable replaces the descriptor. Data of families that disappear is
// deleted and directories for new families are created.
func (c *Catalog) ModifyTable(ctx context.Context, schema core.TableSchema) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := schema.Name()
	live, err := c.GetDescriptor(ctx, table)
	if err != nil {
		return err
	}
	regions, err := c.Regions(ctx, table)
	if err != nil {
		return err
	}
	for _, r := range regions {
		for _, f := range live.FamilyNames() {
			if schema.HasFamily(f) {
				continue
			}
			if err := c.fs.Delete(ctx, path.Join(c.RegionPath(table, r), f), true); err != nil && !storage.IsNotExist(err) {
				return fmt.Errorf("failed to drop family %s of %s: %w", f, table, err)
			}
		}
		for _, f := range schema.FamilyNames() {
			if err := c.fs.MkdirAll(ctx, path.Join(c.RegionPath(table, r), f)); err != nil {
				return fmt.Errorf("failed to create family %s of %s: %w", f, table, err)
			}
		}
	}
	data, err := snapshot.EncodeSchema(schema)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor of %s: %w", table, err)
	}
	if err := storage.WriteAll(ctx, c.fs, c.descriptorPath(table), data); err != nil {
		return fmt.Errorf("failed to write descriptor of %s: %w", table, err)
	}
	st, err := c.readState(ctx, table)
	if err != nil {
		return err
	}
	// Regions reopen with the new descriptor.
	if err := c.writeState(ctx, table, st.State); err != nil {
		return err
	}
	c.logger.Info("Table modified", "table", table, "families", schema.FamilyNames())
	return nil
}

// DisableTable takes a table offline. Disabling a disabled table is a no-op.
func (c *Catalog) DisableTable(ctx context.Context, table core.TableName) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mustExist(ctx, table); err != nil {
		return err
	}
	st, err := c.readState(ctx, table)
	if err != nil {
		return err
	}
	if st.State == StateDisabled {
		return nil
	}
	return c.writeState(ctx, table, StateDisabled)
}

// TruncateTable drops all data of a disabled table and enables it again.
func (c *Catalog) TruncateTable(ctx context.Context, table core.TableName, preserveSplits bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	schema, err := c.GetDescriptor(ctx, table)
	if err != nil {
		return err
	}
	st, err := c.readState(ctx, table)
	if err != nil {
		return err
	}
	if st.State != StateDisabled {
		return fmt.Errorf("%w: %s", ErrTableNotDisabled, table)
	}
	regions, err := c.Regions(ctx, table)
	if err != nil {
		return err
	}
	for _, r := range regions {
		if err := c.fs.Delete(ctx, c.RegionPath(table, r), true); err != nil && !storage.IsNotExist(err) {
			return fmt.Errorf("failed to truncate region %s of %s: %w", r.Name, table, err)
		}
	}
	if !preserveSplits {
		regions, _ = regionsFromSplits(nil)
	}
	if err := c.writeRegions(ctx, table, regions, schema.FamilyNames()); err != nil {
		return err
	}
	c.logger.Info("Table truncated", "table", table, "preserve_splits", preserveSplits, "regions", len(regions))
	return c.writeState(ctx, table, StateEnabled)
}

// IsTableAvailable reports whether a table is enabled and all its regions are
// assigned. When splitKeys is non-empty the region boundaries must match it.
func (c *Catalog) IsTableAvailable(ctx context.Context, table core.TableName, splitKeys [][]byte) (bool, error) {
	ok, err := c.exists(ctx, table)
	if err != nil || !ok {
		return false, err
	}
	st, err := c.readState(ctx, table)
	if err != nil {
		return false, err
	}
	if st.State != StateEnabled {
		return false, nil
	}
	if c.now().Sub(st.AssignedAt) < c.availabilityDelay {
		return false, nil
	}
	if len(splitKeys) == 0 {
		return true, nil
	}
	regions, err := c.Regions(ctx, table)
	if err != nil {
		return false, err
	}
	if len(regions) != len(splitKeys)+1 {
		return false, nil
	}
	for i, k := range splitKeys {
		if !bytes.Equal(regions[i+1].StartKey, k) {
			return false, nil
		}
	}
	return true, nil
}

// RegionFor returns the region whose range contains key.
func RegionFor(regions []Region, key []byte) (Region, bool) {
	for _, r := range regions {
		if r.Contains(key) {
			return r, true
		}
	}
	return Region{}, false
}
