package future

import (
	"context"
	"sync"
)

type (
	// Future is a single-assignment asynchronous result. A Future is completed exactly once,
	// either resolved with a value or rejected with an error; later completions are ignored.
	Future[T any] struct {
		once  sync.Once
		done  chan struct{}
		value T
		err   error
	}
)

// New initializes and returns a new pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Resolved returns a Future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a Future already rejected with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// complete stores the outcome and releases waiters. Returns false if the Future was already completed.
func (f *Future[T]) complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

// Resolve completes the Future with v. Returns false if the Future was already completed.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject completes the Future with err. Returns false if the Future was already completed.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Done returns a channel that is closed once the Future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the Future is completed or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ThenAccept registers fn to be called exactly once with the outcome of the Future. If the Future
// is already completed fn runs on the calling goroutine, otherwise it runs on a new goroutine
// after completion.
func (f *Future[T]) ThenAccept(fn func(T, error)) {
	select {
	case <-f.done:
		fn(f.value, f.err)
	default:
		go func() {
			<-f.done
			fn(f.value, f.err)
		}()
	}
}
