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

// Package alphastream is a streaming reader for a frame-indexed vector
// resource container, feeding per-frame single-channel alpha masks to a
// real-time renderer. See Builder for configuration and Processor for the
// frame-request API.
package alphastream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gitlab.com/yawning/alphastream.git/cache"
	"gitlab.com/yawning/alphastream.git/container"
	"gitlab.com/yawning/alphastream.git/crypto"
	"gitlab.com/yawning/alphastream.git/internal/xlog"
	"gitlab.com/yawning/alphastream.git/raster"
	"gitlab.com/yawning/alphastream.git/scheduler"
	"gitlab.com/yawning/alphastream.git/transport"
)

var log = xlog.Get("alphastream")

// MaskView borrows a rasterized frame from the cache. It is valid until the
// next GetFrame call that may recycle the owning slot; callers must not
// retain it across such a call (spec.md §9 "Ownership of decoded
// buffers").
type MaskView struct {
	Width, Height int
	Pix           []byte
}

// Processor owns the runtime, the format reader, the cache, the scheduler,
// and the per-instance error state for one opened source.
type Processor struct {
	src    transport.Source
	reader *container.Reader
	cache  *cache.Cache
	sched  *scheduler.Scheduler

	rasterSem *semaphore.Weighted

	defaultWidth, defaultHeight int
	dataTimeout                 time.Duration

	errCode int32 // ErrorCode, atomic
	errMu   sync.Mutex
	errMsg  string

	closeOnce sync.Once
}

func newProcessor(ctx context.Context, b *Builder) (*Processor, error) {
	src, err := openSource(ctx, b)
	if err != nil {
		return nil, err
	}

	var key *crypto.Key
	if b.encrypted {
		key, err = crypto.DeriveKey(b.sceneID, b.version, b.baseURL)
		if err != nil {
			src.Cancel()
			return nil, err
		}
	}

	reader, err := container.Open(ctx, src, b.encrypted, key)
	if err != nil {
		src.Cancel()
		return nil, err
	}

	c := cache.New(b.cacheCapacity)
	p := &Processor{
		src:           src,
		reader:        reader,
		cache:         c,
		rasterSem:     semaphore.NewWeighted(int64(b.rasterTasks)),
		defaultWidth:  b.width,
		defaultHeight: b.height,
		dataTimeout:   b.dataTimeout,
	}

	p.sched = scheduler.New(c, reader.TotalFrames(), p.decodeOne, scheduler.Options{
		PrefetchWindow: b.prefetchWindow,
		WorkerThreads:  int64(b.workerThreads),
		IOTasks:        int64(b.ioTasks),
		DecodeTasks:    int64(b.decodeThreads),
	})

	if b.startFrame != 0 {
		p.cache.Request(b.startFrame)
	}

	log.Debugf("opened processor: %d frames, encrypted=%v", reader.TotalFrames(), b.encrypted)
	return p, nil
}

func openSource(ctx context.Context, b *Builder) (transport.Source, error) {
	switch {
	case b.sourceURL != "":
		return transport.NewHTTPSource(b.sourceURL, transport.HTTPOptions{
			ChunkSize:           uint64(b.chunkSize),
			MaxConcurrentRanges: b.maxConcurrentRanges,
			Timeout:             b.transportTimeout,
			RetryCount:          b.retryCount,
		})
	case b.sourcePath != "":
		return transport.NewFileSource(b.sourcePath)
	case b.sourceBuffer != nil:
		return transport.NewMemSource(b.sourceBuffer), nil
	default:
		return nil, errors.New("alphastream: no source configured (use WithHTTPSource/WithFileSource/WithMemorySource)")
	}
}

// decodeOne is the scheduler.DecodeFunc wired to the container reader and
// rasterizer: it separates the fetch phase (FetchFrame), the inflate/parse
// (decode) phase, and the rasterize phase so each can be bounded by its
// own concurrency pool. The fetch phase includes the per-frame keystream
// XOR, so decryption runs under ioSem rather than decodeSem.
func (p *Processor) decodeOne(ctx context.Context, i uint64, ioSem, decodeSem *semaphore.Weighted) (raster.Mask, error) {
	if err := ioSem.Acquire(ctx, 1); err != nil {
		return raster.Mask{}, err
	}
	block, err := p.reader.FetchFrame(ctx, i)
	ioSem.Release(1)
	if err != nil {
		return raster.Mask{}, err
	}

	if err := decodeSem.Acquire(ctx, 1); err != nil {
		return raster.Mask{}, err
	}
	frame, err := p.reader.ParseFrame(block)
	decodeSem.Release(1)
	if err != nil {
		return raster.Mask{}, err
	}

	if err := p.rasterSem.Acquire(ctx, 1); err != nil {
		return raster.Mask{}, err
	}
	mask := raster.Rasterize(frame, p.defaultWidth, p.defaultHeight)
	p.rasterSem.Release(1)

	return mask, nil
}

// GetFrame requests frame i, resized to w x h via nearest-neighbour
// resampling from the native decode resolution. It returns (nil, false)
// and sets the last error when the slot isn't Ready within the scheduler's
// time-box, or when the frame fails to decode.
func (p *Processor) GetFrame(ctx context.Context, i uint64, w, h int) (*MaskView, bool) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dataTimeout)
		defer cancel()
	}

	mask, err := p.sched.GetFrame(ctx, i)
	if err != nil {
		p.setError(classifyError(err), err.Error())
		return nil, false
	}

	if w != p.defaultWidth || h != p.defaultHeight {
		mask = raster.ResizeNN(mask, w, h)
	}
	return &MaskView{Width: mask.Width, Height: mask.Height, Pix: mask.Pix}, true
}

// GetTriangleStrip converts frame i's decoded polylines to a flat
// []float32 vertex buffer via fan triangulation of each channel
// (spec.md §1 "only its shape contract is given" for this optional
// output).
func (p *Processor) GetTriangleStrip(ctx context.Context, i uint64) ([]float32, error) {
	frame, err := p.reader.DecodeFrame(ctx, i)
	if err != nil {
		p.setError(classifyError(err), err.Error())
		return nil, err
	}
	return triangulate(frame), nil
}

// TotalFrames returns the container's frame count M.
func (p *Processor) TotalFrames() uint64 {
	if p.reader == nil {
		return 0
	}
	return p.reader.TotalFrames()
}

// FrameSize returns the resolution GetFrame decodes at when no explicit
// width/height differs from it.
func (p *Processor) FrameSize() (width, height int) {
	return p.defaultWidth, p.defaultHeight
}

// LastError returns the per-instance last-error record. It is not reset by
// a successful call; use ClearError.
func (p *Processor) LastError() ErrorRecord {
	p.errMu.Lock()
	msg := p.errMsg
	p.errMu.Unlock()
	return ErrorRecord{Code: ErrorCode(atomic.LoadInt32(&p.errCode)), Message: msg}
}

// ClearError resets the last-error record to {None, ""}.
func (p *Processor) ClearError() {
	atomic.StoreInt32(&p.errCode, int32(ErrNone))
	p.errMu.Lock()
	p.errMsg = ""
	p.errMu.Unlock()
}

func (p *Processor) setError(code ErrorCode, msg string) {
	atomic.StoreInt32(&p.errCode, int32(code))
	p.errMu.Lock()
	p.errMsg = msg
	p.errMu.Unlock()
}

// Close tears down the scheduler and transport: pending tasks are
// cancelled and joined before it returns (spec.md §4.8).
func (p *Processor) Close() error {
	var err error
	p.closeOnce.Do(func() {
		var g errgroup.Group
		g.Go(func() error {
			p.sched.Close()
			return nil
		})
		g.Go(func() error {
			p.src.Cancel()
			return nil
		})
		err = g.Wait()
		if closer, ok := p.src.(interface{ Close() error }); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func classifyError(err error) ErrorCode {
	if errors.Is(err, scheduler.ErrNotReady) {
		return ErrNotReady
	}
	if _, ok := err.(*scheduler.OutOfBoundsError); ok {
		return ErrOutOfBounds
	}
	if _, ok := err.(*container.OutOfBoundsError); ok {
		return ErrOutOfBounds
	}
	if _, ok := err.(*container.DecodeError); ok {
		return ErrDecode
	}
	if _, ok := err.(container.MalformedFrameError); ok {
		return ErrDecode
	}
	if _, ok := err.(container.MalformedHeaderError); ok {
		return ErrDecode
	}
	if _, ok := err.(container.MalformedSizesError); ok {
		return ErrDecode
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.Code {
		case transport.ErrCodeTimeout:
			return ErrTimeout
		case transport.ErrCodeOutOfBounds:
			return ErrOutOfBounds
		default:
			return ErrTransport
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrTransport
}

// triangulate fan-triangulates each channel's polyline independently
// around its first point, emitting (x, y) float32 pairs per vertex,
// three vertices per triangle. This is a shape contract only: no winding
// or degenerate-triangle quality guarantees are made.
func triangulate(frame container.Frame) []float32 {
	var out []float32
	for _, poly := range frame {
		if len(poly) < 3 {
			continue
		}
		for i := 1; i+1 < len(poly); i++ {
			out = append(out,
				float32(poly[0].X), float32(poly[0].Y),
				float32(poly[i].X), float32(poly[i].Y),
				float32(poly[i+1].X), float32(poly[i+1].Y),
			)
		}
	}
	return out
}
