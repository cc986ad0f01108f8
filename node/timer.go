package node

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// timer is a periodic task run by a worker loop.
type timer struct {
	at       time.Time
	interval time.Duration
	fn       func()
	stopped  atomic.Bool
	index    int
}

func (t *timer) stop() {
	t.stopped.Store(true)
}

// timerQueue is a min-heap on the next fire time. Only the owning loop touches it.
type timerQueue []*timer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q *timerQueue) add(t *timer) {
	heap.Push(q, t)
}

// runDue fires every timer due at now and re-arms it for its next period.
// Stopped timers are dropped.
func (q *timerQueue) runDue(now time.Time) {
	for q.Len() > 0 {
		t := (*q)[0]
		if t.stopped.Load() {
			heap.Pop(q)
			continue
		}
		if t.at.After(now) {
			return
		}
		t.fn()
		if t.stopped.Load() {
			heap.Pop(q)
			continue
		}
		t.at = now.Add(t.interval)
		heap.Fix(q, t.index)
	}
}
