package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// Future is the reply slot of a request-with-reply. It is resolved exactly
// once, either with the device reply or with an error.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	data     json.RawMessage
	err      error
	thens    []func(json.RawMessage, error)
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future is resolved
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome; it is only meaningful after Done is closed
func (f *Future) Result() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, f.err
}

// Wait blocks until the future is resolved or ctx ends
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then registers fn to run with the outcome. Continuations run on the
// goroutine that resolves the future, in registration order; when the
// future is already resolved fn runs immediately on the caller.
func (f *Future) Then(fn func(json.RawMessage, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.thens = append(f.thens, fn)
		f.mu.Unlock()
		return
	}
	data, err := f.data, f.err
	f.mu.Unlock()
	fn(data, err)
}

// resolve settles the future and reports whether this call did it
func (f *Future) resolve(data json.RawMessage, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.data, f.err = data, err
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range thens {
		fn(data, err)
	}
	return true
}
