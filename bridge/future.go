package bridge

import (
	"context"
)

// Future is the result of an asynchronous operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs f in a new goroutine and returns a future for its result.
func Go[T any](f func() (T, error)) *Future[T] {
	fut := &Future[T]{
		done: make(chan struct{}),
	}
	go func() {
		defer close(fut.done)
		fut.value, fut.err = f()
	}()
	return fut
}

// Resolved returns a completed future.
func Resolved[T any](value T, err error) *Future[T] {
	fut := &Future[T]{
		done:  make(chan struct{}),
		value: value,
		err:   err,
	}
	close(fut.done)
	return fut
}

// Done returns a channel that is closed once the operation completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation completes or ctx is cancelled.
//
// Cancelling ctx only stops waiting, the operation itself is bounded by the
// bridge context.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then calls cb with the result once the operation completes. cb is called
// from a new goroutine.
func (f *Future[T]) Then(cb func(value T, err error)) {
	go func() {
		<-f.done
		cb(f.value, f.err)
	}()
}
