package vm

import "sync"

// FiberQueue holds the suspended frames of a context in arrival order.
// Terminated fibers are dropped whenever they are encountered.
type FiberQueue struct {
	mu     sync.Mutex
	frames []*Frame
}

// Add appends frame.
func (q *FiberQueue) Add(frame *Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
}

// Len returns the number of queued frames.
func (q *FiberQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// IsEmpty reports whether the queue holds no frames.
func (q *FiberQueue) IsEmpty() bool { return q.Len() == 0 }

// AssociatedOrYielded removes and returns the first frame whose fiber is
// associated with the current call chain, yielded, or a ready waiter.
func (q *FiberQueue) AssociatedOrYielded() *Frame {
	return q.take((*Fiber).isAssociatedOrYielded)
}

// AnyReady removes and returns the first ready frame.
func (q *FiberQueue) AnyReady() *Frame {
	return q.take((*Fiber).IsReady)
}

// HasReady reports whether any queued frame is ready.
func (q *FiberQueue) HasReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.frames {
		if f.Fiber.Status() != Terminated && f.Fiber.IsReady() {
			return true
		}
	}
	return false
}

// inProgress reports whether any queued fiber has already started running.
func (q *FiberQueue) inProgress() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.frames {
		switch f.Fiber.Status() {
		case Waiting, Yielded, Paused:
			return true
		}
	}
	return false
}

func (q *FiberQueue) take(pred func(*Fiber) bool) *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.frames[:0]
	var picked *Frame
	for _, f := range q.frames {
		if f.Fiber.Status() == Terminated {
			continue
		}
		if picked == nil && pred(f.Fiber) {
			picked = f
			continue
		}
		live = append(live, f)
	}
	for i := len(live); i < len(q.frames); i++ {
		q.frames[i] = nil
	}
	q.frames = live
	return picked
}

func (q *FiberQueue) drainAll() []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

// counts returns the number of queued frames per fiber status.
func (q *FiberQueue) counts() map[FiberStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := make(map[FiberStatus]int)
	for _, f := range q.frames {
		m[f.Fiber.Status()]++
	}
	return m
}
