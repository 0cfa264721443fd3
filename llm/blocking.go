package llm

import (
	"context"
	"time"
)

// RunBlocking runs fn to completion for callers that are not already inside
// a context-aware call chain. fn gets a private context derived from
// context.Background, bounded by timeout when positive, and runs on its own
// goroutine; the caller's goroutine only waits for the outcome.
func RunBlocking[T any](timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	out := <-done
	return out.value, out.err
}

// CollectBlocking opens a stream with open and drains it on a private
// context. Only the final result is returned, never partial chunks.
func CollectBlocking(timeout time.Duration, open func(ctx context.Context) (*Stream, error)) (*GenerationResult, error) {
	return RunBlocking(timeout, func(ctx context.Context) (*GenerationResult, error) {
		s, err := open(ctx)
		if err != nil {
			return nil, err
		}
		res, err := Collect(s)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}
