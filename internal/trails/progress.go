package trails

import "sync"

// ProgressFunc receives (current, total) after each unit of work: once per image in
// image mode, once per written frame in video mode. current runs 1..total.
type ProgressFunc func(current, total int)

func (fn ProgressFunc) report(current, total int) {
	if fn != nil {
		fn(current, total)
	}
}

// Progress is one update carried by a ProgressQueue.
type Progress struct {
	Current int
	Total   int
}

// ProgressQueue hands progress from the compositor goroutine to a consumer that drains
// it on its own loop. Report never blocks: when the buffer is full the oldest pending
// update is dropped, so the consumer always sees the latest state.
type ProgressQueue struct {
	mu     sync.Mutex
	ch     chan Progress
	closed bool
}

// NewProgressQueue creates a queue holding at most size pending updates.
func NewProgressQueue(size int) *ProgressQueue {
	if size < 1 {
		size = 1
	}
	return &ProgressQueue{ch: make(chan Progress, size)}
}

// C returns the receive side of the queue. It is closed by Close.
func (q *ProgressQueue) C() <-chan Progress {
	return q.ch
}

// Report enqueues an update without blocking.
func (q *ProgressQueue) Report(current, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	p := Progress{Current: current, Total: total}
	for {
		select {
		case q.ch <- p:
			return
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

// Func adapts the queue to a ProgressFunc.
func (q *ProgressQueue) Func() ProgressFunc {
	return q.Report
}

// Close stops accepting updates and closes the channel.
func (q *ProgressQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
