// Package capture implements spec.md §4.2: a structured-event sink that
// tracks "scopes" (nested contexts with structured attributes) the way the
// Rust tracing_subscriber::Layer the source was built on does, translated
// onto go.uber.org/zap's zapcore.Core — both are a pluggable sink invoked
// on every log event with access to accumulated structured fields.
package capture

import (
	"context"

	"github.com/google/uuid"

	"github.com/deployengine/core/internal/deploy/model"
)

// frame is one entry on a deployment's scope stack: the parsed
// (id, state, address?) triple a deployment-bearing scope carries.
type frame struct {
	id      uuid.UUID
	state   model.State
	address *string
}

type scopeStackKey struct{}

// stack is the chain of frames Enter has pushed on the current context.
// Core.Write does not consult it: events are attributed from the id/state
// fields carried by the logger EnterState derives.
type stack struct {
	frames []frame
}

func fromContext(ctx context.Context) *stack {
	if s, ok := ctx.Value(scopeStackKey{}).(*stack); ok {
		return s
	}
	return &stack{}
}

// innermost returns the nearest deployment-bearing frame, if any.
func (s *stack) innermost() (frame, bool) {
	if len(s.frames) == 0 {
		return frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Enter pushes a frame for id, state and the optional address, discards
// silently if id is the nil UUID, and returns a context carrying the pushed
// frame plus an exit function. The exit function does nothing: the frame
// lives only in the returned context.
//
// Enter does not itself emit the state log; EnterState does, by logging the
// scope-entry event through its derived logger, which Core.Write turns into
// the state log.
func Enter(ctx context.Context, id uuid.UUID, state model.State, address *string) (context.Context, func()) {
	if id == uuid.Nil {
		return ctx, func() {}
	}
	parent := fromContext(ctx)
	next := &stack{frames: append(append([]frame{}, parent.frames...), frame{id: id, state: state, address: address})}
	child := context.WithValue(ctx, scopeStackKey{}, next)
	return child, func() {}
}
