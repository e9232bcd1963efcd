package relay

import (
	"sync"
	"sync/atomic"

	"github.com/phonecam/relay/internal/frameproto"
)

// Queue is a depth-bounded frame FIFO.
//
// Push never blocks: on overflow the OLDEST queued frame is discarded in favor
// of the newest, since real-time delivery takes priority over completeness.
// One queue exists per destination (the sink, and each consumer session) so a
// slow destination can never stall the producer read loop.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	depth  int
	frames []frameproto.Frame

	drops  atomic.Uint64
	onDrop func()
	onPush func()
}

func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	q := &Queue{depth: depth}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// SetOnDrop registers fn to run (without the queue lock held by the caller's
// frame) whenever a frame is discarded. Must be called before first use.
func (q *Queue) SetOnDrop(fn func()) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// SetOnPush registers fn to run after each accepted push, drop or not. The
// sink pacer uses it to measure the producer's arrival rate at the queue
// boundary rather than at pop time. Must be called before first use.
func (q *Queue) SetOnPush(fn func()) {
	q.mu.Lock()
	q.onPush = fn
	q.mu.Unlock()
}

func (q *Queue) DropCount() uint64 {
	return q.drops.Load()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Push enqueues frame, discarding the oldest entry if the queue is full.
// It reports false only when the queue is closed.
func (q *Queue) Push(f frameproto.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var onDrop func()
	if len(q.frames) >= q.depth {
		n := copy(q.frames, q.frames[1:])
		q.frames[n] = frameproto.Frame{}
		q.frames = q.frames[:n]
		q.drops.Add(1)
		onDrop = q.onDrop
	}
	q.frames = append(q.frames, f)
	q.notEmpty.Signal()
	onPush := q.onPush
	q.mu.Unlock()

	if onDrop != nil {
		onDrop()
	}
	if onPush != nil {
		onPush()
	}
	return true
}

// Pop blocks until a frame is available or the queue is closed and empty.
func (q *Queue) Pop() (frameproto.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TryPop returns the next frame without blocking.
func (q *Queue) TryPop() (frameproto.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (frameproto.Frame, bool) {
	if len(q.frames) == 0 {
		return frameproto.Frame{}, false
	}
	f := q.frames[0]
	n := copy(q.frames, q.frames[1:])
	q.frames[n] = frameproto.Frame{}
	q.frames = q.frames[:n]
	return f, true
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = frameproto.Frame{}
	}
	q.frames = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
