package handler

import "context"

// Offload runs fn off the caller's current call stack while the caller's
// context — and everything the context carries, including the logging
// scope from ctxlog — continues to flow into it. Used for calls that would
// otherwise block the caller's cooperative loop (CPU-bound parsing, SDKs
// with only synchronous APIs).
func Offload(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
