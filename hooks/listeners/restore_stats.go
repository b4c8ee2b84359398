package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrestore/hooks"
)

var (
	// Expvars are process-global; NewRestoreStatsListener may be called repeatedly.
	restoreMetricsOnce   sync.Once
	tablesRestored       *expvar.Int
	tablesFailed         *expvar.Int
	regionsLoaded        *expvar.Int
	regionLoadFailures   *expvar.Int
	restoreMillisTotal   *expvar.Int
	schemaChanges        *expvar.Int
	incrementalRestores  *expvar.Int
	restoreOutcomeCounts *expvar.Map
)

func initRestoreMetrics() {
	restoreMetricsOnce.Do(func() {
		tablesRestored = expvar.NewInt("restore_tables_restored_total")
		tablesFailed = expvar.NewInt("restore_tables_failed_total")
		regionsLoaded = expvar.NewInt("restore_regions_loaded_total")
		regionLoadFailures = expvar.NewInt("restore_region_load_failures_total")
		restoreMillisTotal = expvar.NewInt("restore_duration_ms_total")
		schemaChanges = expvar.NewInt("restore_schema_changes_total")
		incrementalRestores = expvar.NewInt("restore_incremental_total")
		restoreOutcomeCounts = expvar.NewMap("restore_outcomes")
		expvar.Publish("restore_avg_duration_ms", expvar.Func(func() interface{} {
			n := tablesRestored.Value()
			if n == 0 {
				return 0.0
			}
			return float64(restoreMillisTotal.Value()) / float64(n)
		}))
	})
}

// RestoreStatsListener exposes restore progress counters through expvar.
type RestoreStatsListener struct {
	logger *slog.Logger
}

// NewRestoreStatsListener creates a new listener. Register it for the Post events.
func NewRestoreStatsListener(logger *slog.Logger) *RestoreStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRestoreMetrics()
	return &RestoreStatsListener{logger: logger.With("component", "RestoreStatsListener")}
}

// Register attaches the listener to every event it understands.
func (l *RestoreStatsListener) Register(m hooks.HookManager) {
	m.Register(hooks.EventPostFullRestore, l)
	m.Register(hooks.EventPostBulkLoadRegion, l)
	m.Register(hooks.EventPostSchemaChange, l)
	m.Register(hooks.EventPostIncrementalRestore, l)
}

func (l *RestoreStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostFullRestorePayload:
		if p.Error != nil {
			tablesFailed.Add(1)
			l.logger.Warn("Table restore failed", "source", p.Source, "target", p.Target, "error", p.Error)
			return nil
		}
		tablesRestored.Add(1)
		restoreMillisTotal.Add(p.Duration.Milliseconds())
		restoreOutcomeCounts.Add(p.Outcome, 1)
		l.logger.Info("Table restore processed",
			"source", p.Source,
			"target", p.Target,
			"outcome", p.Outcome,
			"regions", p.RegionsLoaded,
			"split_keys", p.SplitKeys,
			"duration", p.Duration,
		)
	case hooks.BulkLoadRegionPayload:
		if p.Error != nil {
			regionLoadFailures.Add(1)
			return nil
		}
		regionsLoaded.Add(1)
	case hooks.PostSchemaChangePayload:
		schemaChanges.Add(1)
	case hooks.IncrementalRestorePayload:
		if p.Error == nil {
			incrementalRestores.Add(1)
		}
	}
	return nil
}

func (l *RestoreStatsListener) Priority() int {
	return 100
}

func (l *RestoreStatsListener) IsAsync() bool {
	return true
}
