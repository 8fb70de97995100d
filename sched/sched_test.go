package sched

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerRunsActionsInDueOrder(t *testing.T) {
	s := New()
	var order []string

	s.After(30*time.Millisecond, func(time.Time) { order = append(order, "c") })
	s.After(10*time.Millisecond, func(time.Time) { order = append(order, "a") })
	s.After(20*time.Millisecond, func(time.Time) { order = append(order, "b") })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("got order %v", order)
	}
}

func TestSchedulerTieBreaksByInsertionOrder(t *testing.T) {
	s := New()
	var order []string

	due := 10 * time.Millisecond
	s.After(due, func(time.Time) { order = append(order, "first") })
	s.After(due, func(time.Time) { order = append(order, "second") })
	s.After(due, func(time.Time) { order = append(order, "third") })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("got order %v", order)
	}
}

func TestSchedulerCancelSkipsAction(t *testing.T) {
	s := New()
	ran := false

	h := s.After(10*time.Millisecond, func(time.Time) { ran = true })
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if ran {
		t.Fatalf("expected cancelled action not to run")
	}
}

func TestSchedulerActionCanRescheduleItself(t *testing.T) {
	s := New()
	fires := 0

	var tick Action
	tick = func(now time.Time) {
		fires++
		if fires < 3 {
			s.After(5*time.Millisecond, tick)
		}
	}
	s.After(5*time.Millisecond, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if fires != 3 {
		t.Fatalf("expected 3 fires, got %d", fires)
	}
}

func TestSchedulerStopsWhenQueueEmpty(t *testing.T) {
	s := New()
	s.After(5*time.Millisecond, func(time.Time) {})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after draining an empty queue")
	}
}

func TestSchedulerContextCancelStopsRunEarly(t *testing.T) {
	s := New()
	ran := false
	s.After(time.Hour, func(time.Time) { ran = true })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	if ran {
		t.Fatalf("expected long-delayed action not to run")
	}
}

func TestSchedulerUtilizationIsBusyOverWallNotBusyOverSlept(t *testing.T) {
	s := New()

	current := time.Unix(0, 0)
	s.clock = func() time.Time { return current }

	// 6ms slept (the due-time wait, measured from the precomputed delay,
	// immune to the real timer's own jitter) plus 4ms busy (the action
	// advances the fake clock by exactly that much while it "runs") must
	// report 0.4, not busy/slept's 4/6 ≈ 0.667.
	s.After(6*time.Millisecond, func(time.Time) {
		current = current.Add(4 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Run(ctx)

	if got := s.Utilization(); got != 0.4 {
		t.Fatalf("expected utilization 0.4 for 6ms slept + 4ms busy, got %v", got)
	}
}
