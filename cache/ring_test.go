package cache

import (
	"testing"
	"time"

	"gitlab.com/yawning/alphastream.git/raster"
)

func TestSequentialAccessNeverInvalidates(t *testing.T) {
	c := New(512)
	for i := uint64(0); i < 300; i++ {
		invalidated := c.Request(i)
		if invalidated {
			t.Fatalf("Request(%d) invalidated during pure sequential access", i)
		}
		h, already := c.Reserve(i)
		if already {
			t.Fatalf("Reserve(%d) reported already-pending on a fresh slot", i)
		}
		c.Complete(i, raster.NewMask(1, 1))
		<-h.Done()

		state, _ := c.Lookup(i)
		if state != Ready {
			t.Fatalf("Lookup(%d) = %v, want Ready", i, state)
		}
	}
	if c.Invalidations() != 0 {
		t.Fatalf("Invalidations() = %d, want 0", c.Invalidations())
	}
}

func TestSeekBackwardInvalidates(t *testing.T) {
	c := New(512)
	c.Request(100)
	if c.Invalidations() != 0 {
		t.Fatal("first Request should never invalidate")
	}

	invalidated := c.Request(50)
	if !invalidated {
		t.Fatal("Request(50) after Request(100) should invalidate (backward seek)")
	}
	if c.Invalidations() != 1 {
		t.Fatalf("Invalidations() = %d, want 1", c.Invalidations())
	}
	if c.Head() != 50 {
		t.Fatalf("Head() = %d, want 50", c.Head())
	}
}

func TestForwardJumpPastWindowInvalidates(t *testing.T) {
	c := New(512)
	c.Request(0)
	if invalidated := c.Request(512); !invalidated {
		t.Fatal("Request(512) after Request(0) with capacity 512 should invalidate")
	}
	if c.Invalidations() != 1 {
		t.Fatalf("Invalidations() = %d, want 1", c.Invalidations())
	}
}

func TestForwardJumpWithinWindowKeepsSlots(t *testing.T) {
	c := New(512)
	c.Request(0)
	h, _ := c.Reserve(0)
	c.Complete(0, raster.NewMask(1, 1))
	<-h.Done()

	if invalidated := c.Request(10); invalidated {
		t.Fatal("Request(10) after Request(0) with capacity 512 should not invalidate")
	}
	state, _ := c.Lookup(0)
	if state != Ready {
		t.Fatal("slot 0 should still be Ready after a forward jump within the window")
	}
}

func TestReserveIdempotentWhilePending(t *testing.T) {
	c := New(16)
	c.Request(0)
	h1, already1 := c.Reserve(5)
	if already1 {
		t.Fatal("first Reserve(5) should not report already-pending")
	}
	h2, already2 := c.Reserve(5)
	if !already2 {
		t.Fatal("second Reserve(5) while still Pending should report already-pending")
	}
	if h1 != h2 {
		t.Fatal("Reserve(5) twice while Pending should return the same handle")
	}
}

func TestInvalidateCancelsPendingHandle(t *testing.T) {
	c := New(16)
	c.Request(0)
	h, _ := c.Reserve(3)

	c.Invalidate()

	select {
	case <-h.Ctx().Done():
	case <-time.After(time.Second):
		t.Fatal("Invalidate should cancel a still-Pending handle's context")
	}

	state, _ := c.Lookup(3)
	if state != Empty {
		t.Fatal("slot 3 should be Empty after Invalidate")
	}
}

func TestFailedSlotDebounce(t *testing.T) {
	c := New(16)
	c.Request(0)
	h, _ := c.Reserve(1)
	c.Fail(1, errTest{})
	<-h.Done()

	if c.ReadyForRetry(1) {
		t.Fatal("a just-failed slot should not be immediately ready for retry")
	}
	time.Sleep(failedSlotDebounce + 20*time.Millisecond)
	if !c.ReadyForRetry(1) {
		t.Fatal("a failed slot should become ready for retry after the debounce interval")
	}
}

type errTest struct{}

func (errTest) Error() string { return "test failure" }
