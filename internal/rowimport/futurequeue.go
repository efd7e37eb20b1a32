package rowimport

// result is what one row-group worker reports back.
type result struct {
	index int
	err   error
}

// FutureQueue is an explicit FIFO of worker-result handles, popped from the
// front and opportunistically drained while already-ready — "wait on
// first; if ready, also pop subsequent ready ones" from the design notes.
// It never reorders: the index at the front of the queue is always the
// next one the caller is waiting on.
type FutureQueue struct {
	pending []chan result
}

// NewFutureQueue constructs an empty queue.
func NewFutureQueue() *FutureQueue {
	return &FutureQueue{}
}

// Submit enqueues a new handle that the caller will later fill via the
// returned channel.
func (q *FutureQueue) Submit() chan result {
	ch := make(chan result, 1)
	q.pending = append(q.pending, ch)
	return ch
}

// Len reports how many futures are still queued.
func (q *FutureQueue) Len() int {
	return len(q.pending)
}

// DrainReady pops every contiguous completed future from the front,
// collapsing them into the returned slice (still index-ordered), without
// blocking on the first one that is not yet ready.
func (q *FutureQueue) DrainReady() []result {
	var out []result
	for len(q.pending) > 0 {
		select {
		case r := <-q.pending[0]:
			out = append(out, r)
			q.pending = q.pending[1:]
		default:
			return out
		}
	}
	return out
}

// WaitNext returns the channel at the front of the queue for the caller to
// receive on, without receiving from it or removing it (ok=false if the
// queue is empty).
func (q *FutureQueue) WaitNext() (chan result, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	return q.pending[0], true
}

// Pop removes the front entry; callers use this after WaitNext's channel
// has fired.
func (q *FutureQueue) Pop() {
	if len(q.pending) > 0 {
		q.pending = q.pending[1:]
	}
}
