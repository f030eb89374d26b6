package fifo

import (
	"testing"
	"time"
)

func TestUnboundedOrder(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 100; i++ {
		q.In() <- i
	}
	close(q.In())
	i := 0
	for v := range q.Out() {
		if v != i {
			t.Errorf("item %d = %d, want %d", i, v, i)
		}
		i++
	}
	if i != 100 {
		t.Errorf("received %d items, want 100", i)
	}
	if q.HighWater() < 1 {
		t.Errorf("HighWater() = %d, want at least 1", q.HighWater())
	}
}

func TestBoundedBlocks(t *testing.T) {
	q := New[string](2)
	q.In() <- "a"
	q.In() <- "b"
	// One item may already sit in the hand-off to Out, so allow one extra.
	accepted := 0
	for i := 0; i < 3; i++ {
		select {
		case q.In() <- "c":
			accepted++
		case <-time.After(50 * time.Millisecond):
		}
	}
	if accepted > 1 {
		t.Errorf("bounded queue accepted %d extra items, want at most 1", accepted)
	}
	if v := <-q.Out(); v != "a" {
		t.Errorf("first item = %q, want %q", v, "a")
	}
	if q.TryPush("late") && q.Len() > 2 {
		t.Errorf("Len() = %d after TryPush, want at most 2", q.Len())
	}
	close(q.In())
	for range q.Out() {
	}
}
