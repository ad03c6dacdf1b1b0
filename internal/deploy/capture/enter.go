package capture

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deployengine/core/internal/deploy/model"
)

// EnterState is the Go stand-in for `#[instrument(fields(id, state))]`: it
// pushes a deployment-bearing scope frame, derives a *zap.Logger carrying
// that frame's fields, and immediately synthesizes the scope's state log
// via the derived logger. Callers run the rest of that pipeline step with
// the returned context and logger, and must call exit() when the step
// ends (mirrors dropping the tracing::Span guard).
//
// A nil UUID id is silently discarded per spec.md §4.2 rule 2: the
// returned logger is the parent's, unchanged, and exit is a no-op.
func EnterState(ctx context.Context, logger *zap.Logger, core *Core, id uuid.UUID, state model.State, address *string) (context.Context, *zap.Logger, func()) {
	if id == uuid.Nil {
		return ctx, logger, func() {}
	}

	childCtx, exit := Enter(ctx, id, state, address)

	fields := []zap.Field{
		zap.String(idKey, id.String()),
		zap.String(stateKey, string(state)),
	}
	if address != nil {
		fields = append(fields, zap.String(addressKey, *address))
	}

	scopedCore := core.WithContext(childCtx)
	scopedLogger := zap.New(scopedCore).With(fields...)
	scopedLogger.Info("state entered", zap.Bool(scopeEntryKey, true))

	return childCtx, scopedLogger, exit
}
