package bus

import (
	"context"
	"slices"
)

// DispatchCtx is the per-dispatch state visible to conditions, filters and
// handlers.
type DispatchCtx struct {
	// Originating connection, empty for bus-internal publishes.
	Consid string
	// Sid of the message being dispatched.
	Sid string
	// Snapshot of the originating connection's tokens at dispatch time.
	Tokens []string
	// Arbitrary data attached by Cfg.SubCtxFn.
	Data map[string]any
}

// CtxFn wraps a dispatch. It receives the dispatch state and returns the
// context to run the dispatch in and a function called when the dispatch
// is complete.
type CtxFn func(ctx context.Context, dctx *DispatchCtx) (context.Context, func(), error)

type dispatchCtxKey struct{}

// WithDispatchCtx returns a copy of ctx carrying dctx.
func WithDispatchCtx(ctx context.Context, dctx *DispatchCtx) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, dctx)
}

// FromContext returns the dispatch state of ctx or nil outside of a dispatch.
func FromContext(ctx context.Context) *DispatchCtx {
	if ctx == nil {
		return nil
	}
	dctx, _ := ctx.Value(dispatchCtxKey{}).(*DispatchCtx)
	return dctx
}

// ConsID returns the id of the connection which originated the current
// dispatch, or "" for bus-internal publishes.
func ConsID(ctx context.Context) string {
	if dctx := FromContext(ctx); dctx != nil {
		return dctx.Consid
	}
	return ""
}

// HasToken reports whether the originating connection holds the token.
func HasToken(ctx context.Context, token string) bool {
	if dctx := FromContext(ctx); dctx != nil {
		return slices.Contains(dctx.Tokens, token)
	}
	return false
}
