package alphastream

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

const (
	minWorkerThreads, maxWorkerThreads             = 1, 64
	minIOTasks, maxIOTasks                         = 1, 32
	minDecodeThreads, maxDecodeThreads             = 1, 64
	minRasterTasks, maxRasterTasks                 = 1, 16
	minCacheCapacity, maxCacheCapacity             = 16, 4096
	minChunkSize, maxChunkSize                     = 64 * 1024, 16 * 1024 * 1024
	minConcurrentRanges, maxConcurrentRanges       = 1, 32
	minTransportTimeout, maxTransportTimeout       = time.Second, 300 * time.Second
	minRetryCount, maxRetryCount                   = 0, 10
	defaultCacheCapacity                           = 512
	defaultPrefetchWindow                          = 120
	defaultInitTimeout                             = 4 * time.Second
	defaultDataTimeout                             = 4 * time.Second
)

// Builder accumulates validated Processor configuration. Every setter
// returns the Builder so calls can be chained, mirroring
// transports/obfs4's flag/arg resolution pattern; invalid values are
// recorded immediately as an ErrInvalidOption rather than deferred
// silently to Build.
type Builder struct {
	workerThreads int
	ioTasks       int
	decodeThreads int
	rasterTasks   int
	cacheCapacity int
	prefetchWindow int
	chunkSize      int
	maxConcurrentRanges int
	transportTimeout    time.Duration
	retryCount          int

	initTimeout time.Duration
	dataTimeout time.Duration

	sceneID    uint32
	version    string
	baseURL    string
	width      int
	height     int
	startFrame uint64
	encrypted  bool

	sourceURL    string
	sourcePath   string
	sourceBuffer []byte

	err error
}

// NewBuilder returns a Builder pre-populated with every default from
// spec.md §4.8.
func NewBuilder() *Builder {
	return &Builder{
		workerThreads:       runtime.NumCPU(),
		ioTasks:             4,
		decodeThreads:       runtime.NumCPU(),
		rasterTasks:         2,
		cacheCapacity:       defaultCacheCapacity,
		prefetchWindow:      defaultPrefetchWindow,
		chunkSize:           1024 * 1024,
		maxConcurrentRanges: 4,
		transportTimeout:    10 * time.Second,
		retryCount:          3,
		initTimeout:         defaultInitTimeout,
		dataTimeout:         defaultDataTimeout,
		width:               256,
		height:              256,
	}
}

func (b *Builder) fail(option string, value interface{}, reason string) *Builder {
	if b.err == nil {
		b.err = &ErrInvalidOption{Option: option, Value: value, Reason: reason}
	}
	return b
}

// WithWorkerThreads sets the total worker-thread budget (1-64).
func (b *Builder) WithWorkerThreads(n int) *Builder {
	if n < minWorkerThreads || n > maxWorkerThreads {
		return b.fail("WorkerThreads", n, "must be in [1, 64]")
	}
	b.workerThreads = n
	return b
}

// WithIOTasks sets the transport concurrency bound (1-32).
func (b *Builder) WithIOTasks(n int) *Builder {
	if n < minIOTasks || n > maxIOTasks {
		return b.fail("IOTasks", n, "must be in [1, 32]")
	}
	b.ioTasks = n
	return b
}

// WithDecodeThreads sets the decrypt/inflate/parse concurrency bound (1-64).
func (b *Builder) WithDecodeThreads(n int) *Builder {
	if n < minDecodeThreads || n > maxDecodeThreads {
		return b.fail("DecodeThreads", n, "must be in [1, 64]")
	}
	b.decodeThreads = n
	return b
}

// WithRasterTasks sets the rasterizer concurrency bound (1-16).
func (b *Builder) WithRasterTasks(n int) *Builder {
	if n < minRasterTasks || n > maxRasterTasks {
		return b.fail("RasterTasks", n, "must be in [1, 16]")
	}
	b.rasterTasks = n
	return b
}

// WithCacheCapacity sets the frame-cache ring size (16-4096).
func (b *Builder) WithCacheCapacity(n int) *Builder {
	if n < minCacheCapacity || n > maxCacheCapacity {
		return b.fail("CacheCapacity", n, "must be in [16, 4096]")
	}
	b.cacheCapacity = n
	return b
}

// WithPrefetchWindow sets the forward prefetch window (1-(capacity-1)).
func (b *Builder) WithPrefetchWindow(n int) *Builder {
	if n < 1 || n > b.cacheCapacity-1 {
		return b.fail("PrefetchWindow", n, fmt.Sprintf("must be in [1, %d]", b.cacheCapacity-1))
	}
	b.prefetchWindow = n
	return b
}

// WithTransportChunkSize sets the HTTP range-request chunk size in bytes
// (64KiB-16MiB).
func (b *Builder) WithTransportChunkSize(n int) *Builder {
	if n < minChunkSize || n > maxChunkSize {
		return b.fail("TransportChunkSize", n, "must be in [65536, 16777216]")
	}
	b.chunkSize = n
	return b
}

// WithMaxConcurrentRanges sets the HTTP range-request fan-out bound (1-32).
func (b *Builder) WithMaxConcurrentRanges(n int) *Builder {
	if n < minConcurrentRanges || n > maxConcurrentRanges {
		return b.fail("MaxConcurrentRanges", n, "must be in [1, 32]")
	}
	b.maxConcurrentRanges = n
	return b
}

// WithTransportTimeout sets the per-request connect/read deadline (1s-300s).
func (b *Builder) WithTransportTimeout(d time.Duration) *Builder {
	if d < minTransportTimeout || d > maxTransportTimeout {
		return b.fail("TransportTimeout", d, "must be in [1s, 300s]")
	}
	b.transportTimeout = d
	return b
}

// WithRetryCount sets the per-request transport retry budget (0-10).
func (b *Builder) WithRetryCount(n int) *Builder {
	if n < minRetryCount || n > maxRetryCount {
		return b.fail("RetryCount", n, "must be in [0, 10]")
	}
	b.retryCount = n
	return b
}

// WithInitTimeout sets the deadline for the initial header/sizes-table
// fetch performed by Build.
func (b *Builder) WithInitTimeout(d time.Duration) *Builder {
	b.initTimeout = d
	return b
}

// WithDataTimeout sets the default deadline applied to a GetFrame call that
// doesn't carry its own context deadline.
func (b *Builder) WithDataTimeout(d time.Duration) *Builder {
	b.dataTimeout = d
	return b
}

// WithFrameSize sets the native decode resolution frames are rasterized
// at; GetFrame resizes from it when asked for a different width/height.
func (b *Builder) WithFrameSize(width, height int) *Builder {
	if width <= 0 || height <= 0 {
		return b.fail("FrameSize", fmt.Sprintf("%dx%d", width, height), "both dimensions must be positive")
	}
	b.width, b.height = width, height
	return b
}

// WithStartFrame sets the initial play-head before the first GetFrame call.
func (b *Builder) WithStartFrame(i uint64) *Builder {
	b.startFrame = i
	return b
}

// WithScene sets the scene identifier, version string, and base URL used
// to derive the container's symmetric key. The values are only used, and
// only checked (by crypto.DeriveKey during Build), when WithEncrypted(true)
// is set; for plaintext containers they are ignored.
func (b *Builder) WithScene(sceneID uint32, version, baseURL string) *Builder {
	b.sceneID = sceneID
	b.version = version
	b.baseURL = baseURL
	return b
}

// WithEncrypted selects the encrypted ("ASVR") container variant.
func (b *Builder) WithEncrypted(encrypted bool) *Builder {
	b.encrypted = encrypted
	return b
}

// WithHTTPSource configures the Processor to read from an HTTPS range-request
// source at rawURL.
func (b *Builder) WithHTTPSource(rawURL string) *Builder {
	b.sourceURL = rawURL
	return b
}

// WithFileSource configures the Processor to read from a local file at path.
func (b *Builder) WithFileSource(path string) *Builder {
	b.sourcePath = path
	return b
}

// WithMemorySource configures the Processor to read from an in-memory
// buffer.
func (b *Builder) WithMemorySource(buf []byte) *Builder {
	b.sourceBuffer = buf
	return b
}

// Build validates the accumulated configuration and opens the configured
// source, returning a ready-to-use Processor.
func (b *Builder) Build(ctx context.Context) (*Processor, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.prefetchWindow > b.cacheCapacity-1 {
		return nil, &ErrInvalidOption{
			Option: "PrefetchWindow", Value: b.prefetchWindow,
			Reason: fmt.Sprintf("must be in [1, %d] for cache capacity %d", b.cacheCapacity-1, b.cacheCapacity),
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, b.initTimeout)
	defer cancel()
	return newProcessor(initCtx, b)
}
