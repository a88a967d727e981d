package bridge

import (
	"context"
	"sync"
)

// Stream is a sequence of values produced asynchronously.
//
// Values are read from C until it is closed, after which Err returns the
// error that ended the stream, if any. Callers that stop reading early must
// call Close to release the producer.
type Stream[T any] struct {
	ch     chan T
	err    error
	cancel context.CancelFunc
	once   sync.Once
}

// newStream runs produce in a new goroutine. produce sends values with the
// given send function, which returns false once the stream is closed. The
// context passed to produce is cancelled when the stream is closed.
func newStream[T any](
	ctx context.Context,
	buffer int,
	produce func(ctx context.Context, send func(T) bool) error,
) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		ch:     make(chan T, buffer),
		cancel: cancel,
	}

	go func() {
		defer close(s.ch)
		defer cancel()

		err := produce(ctx, func(v T) bool {
			select {
			case s.ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		})
		// err must be set before the channel is closed.
		s.err = err
	}()

	return s
}

func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Err returns the error that ended the stream. It must only be called after
// C is closed.
func (s *Stream[T]) Err() error {
	return s.err
}

// Collect reads all remaining values.
func (s *Stream[T]) Collect() ([]T, error) {
	var values []T
	for v := range s.ch {
		values = append(values, v)
	}
	return values, s.err
}

// Close stops the producer and discards any remaining values.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		for range s.ch {
		}
	})
}
