// Package runctx holds small context-aware channel helpers shared by the
// long-running loops.
package runctx

import (
	"context"

	"go.uber.org/zap"
)

func RecvOrDone[T any](ctx context.Context, name string, logger *zap.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", zap.Error(ctx.Err()))
		var zero T
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return v, ok
	}
}

func SendOrDone[T any](ctx context.Context, name string, logger *zap.Logger, out chan<- T, value T) bool {
	if logger == nil {
		panic("runctx.SendOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled before send", zap.Error(ctx.Err()))
		return false
	case out <- value:
		return true
	}
}
