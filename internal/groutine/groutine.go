// Package groutine starts named goroutines. Names show up as pprof labels,
// which makes it possible to tell apart the per-session I/O goroutines when
// several devices are connected at once.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name. If parentCtx is nil,
// context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
}

// Name retrieves the goroutine name from a context created by Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(nameKey).(string); ok {
		return v
	}
	return ""
}
