/*
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

// Package cache implements the frame cache: a fixed-capacity ring of
// decode-task slots indexed by a monotonically increasing play-head frame
// index.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/yawning/alphastream.git/raster"
)

// failedSlotDebounce is the minimum time a failed slot is left alone before
// the scheduler is permitted to re-issue its decode task (spec.md's open
// question (c), fixed at the suggested 100ms).
const failedSlotDebounce = 100 * time.Millisecond

// State is the lifecycle state of a cache slot.
type State int

const (
	Empty State = iota
	Pending
	Ready
	Failed
)

// Handle is returned by Reserve and lets the caller (scheduler) signal
// completion or failure, and lets any waiter observe either along with
// cancellation.
type Handle struct {
	done chan struct{}
	ctx  context.Context
	// cancel is called by the cache when the slot is recycled or the cache
	// is invalidated while the task is still Pending.
	cancel context.CancelFunc

	mu   sync.Mutex
	mask raster.Mask
	err  error
}

// Ctx is cancelled when the reserving task's slot is recycled or the cache
// invalidated out from under it; decode tasks should check it at their
// suspension points (transport reads) and abandon work promptly.
func (h *Handle) Ctx() context.Context { return h.ctx }

// Done is closed once Complete or Fail has been called for this handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the mask and error recorded by Complete/Fail. Only valid
// after Done is closed.
func (h *Handle) Result() (raster.Mask, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mask, h.err
}

type ringSlot struct {
	state     State
	index     uint64 // logical frame index occupying this physical slot
	handle    *Handle
	mask      raster.Mask
	err       error
	notBefore time.Time
}

// Cache is the sequential ring described by spec.md §4.5. It is safe for
// concurrent use: a single RWMutex guards all slot state, and the critical
// sections are kept short (no I/O is ever performed while the lock is
// held).
type Cache struct {
	mu       sync.RWMutex
	capacity int
	slots    []ringSlot

	headSet bool
	head    uint64

	invalidations int64 // atomic, observable by tests per spec.md §8
}

// New returns an empty Cache with the given capacity (slot count).
func New(capacity int) *Cache {
	return &Cache{capacity: capacity, slots: make([]ringSlot, capacity)}
}

// Capacity returns the configured slot count.
func (c *Cache) Capacity() int { return c.capacity }

// Invalidations returns the number of times Invalidate (directly, or via
// Request detecting a seek) has fired, for test observability.
func (c *Cache) Invalidations() int64 { return atomic.LoadInt64(&c.invalidations) }

func (c *Cache) physical(i uint64) int { return int(i % uint64(c.capacity)) }

// Request updates the play-head to i, performing the seek detection in
// spec.md §4.5/§4.6: a backward move, or a forward move past the window,
// invalidates the whole cache; otherwise it is a normal sequential access.
// It reports whether an invalidation occurred.
func (c *Cache) Request(i uint64) (invalidated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.headSet {
		c.headSet = true
		c.head = i
		return false
	}

	if i < c.head || i >= c.head+uint64(c.capacity) {
		c.invalidateLocked()
		c.headSet = true
		c.head = i
		return true
	}

	if i > c.head {
		c.advanceLocked(i)
	}
	return false
}

// Head returns the current play-head. Only meaningful once Request has
// been called at least once.
func (c *Cache) Head() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Lookup reports the state of slot i and, when Ready, its mask.
func (c *Cache) Lookup(i uint64) (State, raster.Mask) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &c.slots[c.physical(i)]
	if s.state == Empty || s.index != i {
		return Empty, raster.Mask{}
	}
	return s.state, s.mask
}

// Reserve converts an Empty slot to Pending and returns a fresh Handle. If
// the slot is already Pending for the same logical index, it is idempotent
// and returns the existing handle. A slot occupied by a different logical
// index (stale Ready/Failed/Pending data left behind by the ring wrapping
// around) is recycled first.
func (c *Cache) Reserve(i uint64) (h *Handle, alreadyPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.slots[c.physical(i)]
	if s.index == i && s.state == Pending {
		return s.handle, true
	}
	if s.index == i && s.state == Ready {
		return nil, false
	}

	c.recycleLocked(s)

	ctx, cancel := context.WithCancel(context.Background())
	s.handle = &Handle{done: make(chan struct{}), ctx: ctx, cancel: cancel}
	s.index = i
	s.state = Pending
	return s.handle, false
}

// Complete transitions slot i from Pending to Ready, recording mask and
// waking every waiter on its Handle.
func (c *Cache) Complete(i uint64, mask raster.Mask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.slots[c.physical(i)]
	if s.index != i || s.state != Pending {
		return // slot was recycled out from under the task; drop silently
	}
	s.state = Ready
	s.mask = mask
	s.handle.mu.Lock()
	s.handle.mask = mask
	s.handle.mu.Unlock()
	close(s.handle.done)
}

// Fail transitions slot i from Pending to Failed, recording err and waking
// waiters. Failed slots are transient: ReadyForRetry reports when enough
// time has passed that the scheduler may re-issue the task.
func (c *Cache) Fail(i uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.slots[c.physical(i)]
	if s.index != i || s.state != Pending {
		return
	}
	s.state = Failed
	s.err = err
	s.notBefore = time.Now().Add(failedSlotDebounce)
	s.handle.mu.Lock()
	s.handle.err = err
	s.handle.mu.Unlock()
	close(s.handle.done)
}

// ReadyForRetry reports whether slot i is Failed and its debounce interval
// has elapsed, meaning the scheduler may call Reserve again for it.
func (c *Cache) ReadyForRetry(i uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := &c.slots[c.physical(i)]
	return s.index == i && s.state == Failed && !time.Now().Before(s.notBefore)
}

// Err returns the error recorded for slot i if it is Failed, else nil.
func (c *Cache) Err(i uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := &c.slots[c.physical(i)]
	if s.index == i && s.state == Failed {
		return s.err
	}
	return nil
}

// advance moves the head forward to i and recycles any slot whose logical
// index has fallen more than capacity behind it, cancelling in-flight
// decode tasks early rather than waiting for their physical slot to be
// reused lazily by Reserve.
func (c *Cache) advanceLocked(i uint64) {
	c.head = i
	if i < uint64(c.capacity) {
		return
	}
	threshold := i - uint64(c.capacity)
	for idx := range c.slots {
		s := &c.slots[idx]
		if s.state != Empty && s.index < threshold {
			c.recycleLocked(s)
		}
	}
}

// recycleLocked drops a slot's contents, cancelling its Handle if it was
// still Pending. Not threadsafe; callers must hold c.mu.
func (c *Cache) recycleLocked(s *ringSlot) {
	if s.state == Pending && s.handle != nil {
		s.handle.cancel()
	}
	*s = ringSlot{}
}

// Invalidate drops every slot, cancelling all Pending tasks, and resets the
// play-head so the next Request is treated as a fresh start rather than a
// seek relative to stale state.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Cache) invalidateLocked() {
	for idx := range c.slots {
		c.recycleLocked(&c.slots[idx])
	}
	c.headSet = false
	c.head = 0
	atomic.AddInt64(&c.invalidations, 1)
}
