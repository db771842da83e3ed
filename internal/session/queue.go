package session

import (
	"context"
	"sync"
)

// localQueue is the buffered outbound queue behind a connection held by
// this process. Sending after close is an error, never a panic.
type localQueue struct {
	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func newLocalQueue(size int) *localQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &localQueue{ch: make(chan *Message, size)}
}

func (q *localQueue) push(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrConnectionClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *localQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close reports whether this call closed the queue
func (q *localQueue) close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.ch)
	return true
}

const defaultQueueSize = 256
