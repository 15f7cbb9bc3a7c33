package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// fatalMarker is the substring the node client puts in unrecoverable errors.
const fatalMarker = "FATAL"

var ErrFatal = errors.New("fatal chain error")

// Fatal wraps err so that IsFatal reports true for it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err means the chain connection is unusable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return true
	}
	return strings.Contains(err.Error(), fatalMarker)
}

// callWithTimeout runs fn and returns early when ctx is done or timeout
// elapses. The node client has no context support, so fn keeps running in
// the background until it returns on its own.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
