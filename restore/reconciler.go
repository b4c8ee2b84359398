package restore

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusrestore/core"
	"github.com/INLOpen/nexusrestore/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reconciler brings the column families of a live table in line with a
// backup schema.
type Reconciler struct {
	admin   Admin
	poller  *Poller
	timeout time.Duration
	hooks   hooks.HookManager
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewReconciler(admin Admin, poller *Poller, modifyTimeout time.Duration, hookManager hooks.HookManager, tracer trace.Tracer, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		admin:   admin,
		poller:  poller,
		timeout: modifyTimeout,
		hooks:   hookManager,
		tracer:  tracer,
		logger:  logger.With("component", "SchemaReconciler"),
	}
}

// DiffAndApply modifies live so that its family set equals backup's. It
// returns changed=false without contacting the cluster when both already
// match, and otherwise waits for the modified table to become available.
func (r *Reconciler) DiffAndApply(ctx context.Context, live, backup core.TableSchema) (changed bool, err error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.DiffAndApply")
	defer func() {
		span.SetAttributes(attribute.Bool("restore.schema_changed", changed))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("restore.table", live.Name().String()))

	next, cs := core.DiffSchemas(live, backup)
	if cs.Empty() {
		r.logger.Debug("Schema already matches backup", "table", live.Name())
		return false, nil
	}
	for _, f := range cs.Added {
		r.logger.Info("Adding column family", "table", live.Name(), "family", f.String())
	}
	for _, f := range cs.Removed {
		r.logger.Info("Removing column family", "table", live.Name(), "family", f.String())
	}

	if err := r.admin.ModifyTable(ctx, next); err != nil {
		return false, core.WrapTransport("modifyTable "+live.Name().String(), err)
	}
	if err := r.poller.WaitAvailable(ctx, live.Name(), nil, r.timeout); err != nil {
		return true, err
	}
	if r.hooks != nil {
		_ = r.hooks.Trigger(ctx, hooks.NewPostSchemaChangeEvent(hooks.PostSchemaChangePayload{
			Table:   live.Name(),
			Changes: cs,
		}))
	}
	return true, nil
}
