package toolloop

import (
	"context"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Phases reported to a SnapshotHook.
const (
	PhasePostTools     = "post_tools"
	PhasePreInference  = "pre_inference"
	PhasePostInference = "post_inference"
)

// SnapshotHook observes the body at defined phases of the loop. The body
// must not be modified.
type SnapshotHook func(ctx context.Context, b *interaction.Body, phase string)

type snapshotHookKey struct{}

// WithTurnSnapshotHook attaches a snapshot hook to the context. A hook
// set with the WithSnapshotHook option takes precedence.
func WithTurnSnapshotHook(ctx context.Context, hook SnapshotHook) context.Context {
	if hook == nil {
		return ctx
	}
	return context.WithValue(ctx, snapshotHookKey{}, hook)
}

// TurnSnapshotHookFromContext returns the snapshot hook attached to the context, if any.
func TurnSnapshotHookFromContext(ctx context.Context) (SnapshotHook, bool) {
	v := ctx.Value(snapshotHookKey{})
	if v == nil {
		return nil, false
	}
	h, ok := v.(SnapshotHook)
	return h, ok && h != nil
}
