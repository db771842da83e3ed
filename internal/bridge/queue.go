package bridge

// PendingRequest is one downstream invocation waiting to be written upstream
type PendingRequest struct {
	Event   string
	Payload []byte
	// Reply is set only for request-with-reply events
	Reply *Future
}

// RequestQueue is a FIFO of requests not yet sent. It is owned by a single
// goroutine and does no locking.
type RequestQueue struct {
	items []*PendingRequest
	head  int
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

// Push appends req in submission order
func (q *RequestQueue) Push(req *PendingRequest) {
	q.items = append(q.items, req)
}

// Pop removes the oldest request, or returns nil when empty
func (q *RequestQueue) Pop() *PendingRequest {
	if q.head == len(q.items) {
		return nil
	}
	req := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return req
}

func (q *RequestQueue) Len() int {
	return len(q.items) - q.head
}

// Drain empties the queue, handing each request to fn in order, and returns
// how many were removed
func (q *RequestQueue) Drain(fn func(*PendingRequest)) int {
	n := 0
	for req := q.Pop(); req != nil; req = q.Pop() {
		if fn != nil {
			fn(req)
		}
		n++
	}
	return n
}
