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

// Package scheduler drives decode tasks toward the play-head, maintains
// the prefetch window, and enforces the per-request time-box.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"gitlab.com/yawning/alphastream.git/cache"
	"gitlab.com/yawning/alphastream.git/internal/xlog"
	"gitlab.com/yawning/alphastream.git/raster"
)

var log = xlog.Get("scheduler")

// DefaultTimeBox is the default per-request wait budget ("time-box") for
// GetFrame, per spec.md §4.6/§5.
const DefaultTimeBox = 12 * time.Millisecond

// DefaultPrefetchWindow is the default number of forward slots kept at
// least Pending.
const DefaultPrefetchWindow = 120

// DecodeFunc performs the full fetch-decrypt-inflate-parse-rasterize
// pipeline for frame i. ioSem and decodeSem bound, respectively, transport
// concurrency and CPU-bound decode concurrency; an implementation holds
// each only for the phase it bounds and releases it as soon as that phase
// completes.
type DecodeFunc func(ctx context.Context, i uint64, ioSem, decodeSem *semaphore.Weighted) (raster.Mask, error)

// Options configures a Scheduler. Zero values are replaced with defaults by
// New.
type Options struct {
	PrefetchWindow int
	TimeBox        time.Duration
	WorkerThreads  int64
	IOTasks        int64
	DecodeTasks    int64
}

func (o *Options) setDefaults() {
	if o.PrefetchWindow <= 0 {
		o.PrefetchWindow = DefaultPrefetchWindow
	}
	if o.TimeBox <= 0 {
		o.TimeBox = DefaultTimeBox
	}
	if o.WorkerThreads <= 0 {
		o.WorkerThreads = 4
	}
	if o.IOTasks <= 0 {
		o.IOTasks = 4
	}
	if o.DecodeTasks <= 0 {
		o.DecodeTasks = 4
	}
}

// Scheduler drives decode tasks for a single Processor instance.
type Scheduler struct {
	cache       *cache.Cache
	totalFrames uint64
	decode      DecodeFunc
	opts        Options

	taskSem   *semaphore.Weighted
	ioSem     *semaphore.Weighted
	decodeSem *semaphore.Weighted

	wg sync.WaitGroup
}

// New returns a Scheduler backed by c, serving a container of totalFrames
// frames via decode.
func New(c *cache.Cache, totalFrames uint64, decode DecodeFunc, opts Options) *Scheduler {
	opts.setDefaults()
	if opts.PrefetchWindow > c.Capacity()-1 {
		opts.PrefetchWindow = c.Capacity() - 1
	}
	return &Scheduler{
		cache:       c,
		totalFrames: totalFrames,
		decode:      decode,
		opts:        opts,
		taskSem:     semaphore.NewWeighted(opts.WorkerThreads),
		ioSem:       semaphore.NewWeighted(opts.IOTasks),
		decodeSem:   semaphore.NewWeighted(opts.DecodeTasks),
	}
}

// GetFrame is the core scheduler operation (spec.md §4.6): it updates the
// play-head, primes the prefetch window, and waits up to the time-box for
// slot i to become Ready.
func (s *Scheduler) GetFrame(ctx context.Context, i uint64) (raster.Mask, error) {
	if i >= s.totalFrames {
		return raster.Mask{}, &OutOfBoundsError{Index: i, Count: s.totalFrames}
	}

	s.cache.Request(i)
	s.primeWindow(i)

	mask, err, ok := s.awaitSlot(ctx, i)
	if !ok {
		return raster.Mask{}, ErrNotReady
	}
	return mask, err
}

// primeWindow ensures every Empty (or debounce-expired Failed) slot in
// [i, i+prefetch_window), clamped to [0, totalFrames) and to the cache
// capacity, is at least Pending. The requested index i is reserved first
// so it gets first claim on the semaphore permits ahead of pure prefetch;
// this is the scheduler's escalation mechanism (spec.md §4.6 "escalates
// the task's priority ahead of pure prefetch tasks").
func (s *Scheduler) primeWindow(i uint64) {
	s.ensureSlot(i)

	end := i + uint64(s.opts.PrefetchWindow)
	if end > s.totalFrames {
		end = s.totalFrames
	}
	capEnd := i + uint64(s.cache.Capacity())
	if end > capEnd {
		end = capEnd
	}
	for j := i + 1; j < end; j++ {
		s.ensureSlot(j)
	}
}

// ensureSlot reserves and spawns a decode task for j if it is Empty, or if
// it is Failed and its retry debounce has elapsed.
func (s *Scheduler) ensureSlot(j uint64) {
	state, _ := s.cache.Lookup(j)
	switch state {
	case cache.Ready, cache.Pending:
		return
	case cache.Failed:
		if !s.cache.ReadyForRetry(j) {
			return
		}
	}

	h, alreadyPending := s.cache.Reserve(j)
	if h == nil || alreadyPending {
		return
	}
	s.spawn(j, h)
}

func (s *Scheduler) spawn(i uint64, h *cache.Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.taskSem.Acquire(h.Ctx(), 1); err != nil {
			return // cancelled before a worker thread slot opened up
		}
		defer s.taskSem.Release(1)

		mask, err := s.decode(h.Ctx(), i, s.ioSem, s.decodeSem)
		if err != nil {
			if h.Ctx().Err() != nil {
				// Cancelled because the slot left the window; the cache
				// already dropped it. Don't record a failure for work
				// nobody will ever read.
				return
			}
			log.Debugf("frame %d decode failed: %v", i, err)
			s.cache.Fail(i, err)
			return
		}
		s.cache.Complete(i, mask)
	}()
}

// awaitSlot waits up to the time-box for slot i to become Ready. The
// in-flight task, if any, is never cancelled by a timebox expiry; its
// result lands in the cache for the next request (spec.md §4.6 step 3).
func (s *Scheduler) awaitSlot(ctx context.Context, i uint64) (raster.Mask, error, bool) {
	state, mask := s.cache.Lookup(i)
	if state == cache.Ready {
		return mask, nil, true
	}
	if state == cache.Failed && !s.cache.ReadyForRetry(i) {
		return raster.Mask{}, s.cache.Err(i), true
	}

	h, _ := s.cache.Reserve(i)
	if h == nil {
		// Became Ready (or was already) between Lookup and Reserve.
		state, mask = s.cache.Lookup(i)
		if state == cache.Ready {
			return mask, nil, true
		}
		return raster.Mask{}, nil, false
	}

	timer := time.NewTimer(s.opts.TimeBox)
	defer timer.Stop()

	select {
	case <-h.Done():
		m, err := h.Result()
		return m, err, true
	case <-timer.C:
		return raster.Mask{}, nil, false
	case <-ctx.Done():
		return raster.Mask{}, ctx.Err(), true
	}
}

// Close cancels all in-flight tasks via the cache and waits for them to
// return, honoring the "cancelled and joined before teardown returns"
// contract of spec.md §4.8.
func (s *Scheduler) Close() {
	s.cache.Invalidate()
	s.wg.Wait()
}
