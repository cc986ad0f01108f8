package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerQueueRunsInOrder(t *testing.T) {
	var q timerQueue
	now := time.Now()
	var fired []string

	q.add(&timer{at: now.Add(2 * time.Second), interval: time.Hour, fn: func() { fired = append(fired, "late") }})
	q.add(&timer{at: now.Add(time.Second), interval: time.Hour, fn: func() { fired = append(fired, "early") }})
	q.add(&timer{at: now.Add(time.Minute), interval: time.Hour, fn: func() { fired = append(fired, "future") }})

	q.runDue(now.Add(3 * time.Second))
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 3, q.Len())
}

func TestTimerQueueRearms(t *testing.T) {
	var q timerQueue
	now := time.Now()
	count := 0
	q.add(&timer{at: now, interval: time.Second, fn: func() { count++ }})

	q.runDue(now)
	q.runDue(now.Add(500 * time.Millisecond))
	assert.Equal(t, 1, count)

	q.runDue(now.Add(time.Second))
	assert.Equal(t, 2, count)
}

func TestTimerQueueDropsStopped(t *testing.T) {
	var q timerQueue
	now := time.Now()
	count := 0

	stopped := &timer{at: now, interval: time.Second, fn: func() { count++ }}
	q.add(stopped)
	stopped.stop()
	q.runDue(now)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, q.Len())

	var self *timer
	self = &timer{at: now, interval: time.Second, fn: func() {
		count++
		self.stop()
	}}
	q.add(self)
	q.runDue(now)
	q.runDue(now.Add(time.Hour))
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, q.Len())
}

func TestNotifierBroadcast(t *testing.T) {
	var n notifier
	ch := n.wait()
	select {
	case <-ch:
		t.Fatal("notified before broadcast")
	default:
	}

	n.broadcast()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("broadcast not observed")
	}

	next := n.wait()
	assert.NotEqual(t, ch, next)
}
