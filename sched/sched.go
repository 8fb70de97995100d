// Package sched implements a cooperative, single-threaded scheduler: a
// priority queue of due-time actions driven by one goroutine's Run loop.
// It generalizes the wind-up-clock idea behind a single repeating
// keepalive tick into an arbitrary set of independently cancellable,
// reschedulable due-time actions, with utilization accounting for the
// caller to observe how much of its time is actually spent running
// actions versus sleeping.
package sched

import (
	"container/heap"
	"context"
	"time"
)

// Action is a unit of scheduled work. It receives the time it actually
// ran at, which may run slightly after its due time.
type Action func(now time.Time)

// Handle lets a caller cancel an action it scheduled, before it fires.
type Handle struct {
	item *item
}

// Cancel prevents the action from firing, if it hasn't already. Cancelling
// an already-fired or already-cancelled handle is a no-op.
func (h Handle) Cancel() {
	h.item.cancelled = true
}

type item struct {
	due       time.Time
	seq       uint64
	action    Action
	cancelled bool
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Scheduler runs due-time actions from a single goroutine's Run call.
// After/Cancel are safe to call only from that same goroutine, or from
// inside a running Action — Scheduler does no locking, mirroring every
// other single-threaded component in this module.
type Scheduler struct {
	queue   itemHeap
	nextSeq uint64

	wall  time.Duration
	busy  time.Duration
	clock func() time.Time
}

// New constructs an idle Scheduler.
func New() *Scheduler {
	return &Scheduler{
		clock: time.Now,
	}
}

// After schedules action to run no earlier than d from now, returning a
// Handle that can cancel it before it fires.
func (s *Scheduler) After(d time.Duration, action Action) Handle {
	it := &item{
		due:    s.clock().Add(d),
		seq:    s.nextSeq,
		action: action,
	}
	s.nextSeq++
	heap.Push(&s.queue, it)
	return Handle{item: it}
}

// Run drains the queue, sleeping between due times, until ctx is done or
// the queue is empty. A cancelled context stops Run without running any
// action still pending.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		it := s.popNext()
		if it == nil {
			return
		}
		if it.cancelled {
			continue
		}

		now := s.clock()
		if d := it.due.Sub(now); d > 0 {
			if !s.waitFor(ctx, d) {
				// ctx was cancelled mid-sleep; this action never ran.
				return
			}
			s.wall += d
		}

		if it.cancelled {
			continue
		}
		start := s.clock()
		it.action(start)
		actionDuration := s.clock().Sub(start)
		s.busy += actionDuration
		s.wall += actionDuration
	}
}

// waitFor sleeps for d unless ctx is cancelled first, returning whether
// the full sleep elapsed.
func (s *Scheduler) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) popNext() *item {
	if s.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.queue).(*item)
}

// Utilization reports (wall - slept) / wall: the fraction of the
// Scheduler's total elapsed running time (sleeping plus running actions)
// that was spent actually running actions. wall accumulates both, so this
// is equivalently busy / wall. It is only meaningful once Run has slept
// or run an action at least once.
func (s *Scheduler) Utilization() float64 {
	if s.wall == 0 {
		return 0
	}
	return float64(s.busy) / float64(s.wall)
}
