package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Recover runs fn and converts a panic into an *ErrPanic instead of crashing
// the process. The stack is logged, never returned.
func Recover(ctx context.Context, logger *slog.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "panic recovered",
					"panic", r,
					"stack", string(debug.Stack()))
			}
			err = &ErrPanic{Value: r}
		}
	}()
	return fn()
}
