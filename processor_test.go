package alphastream

import (
	"context"
	"testing"
	"time"

	"gitlab.com/yawning/alphastream.git/container"
	"gitlab.com/yawning/alphastream.git/crypto"
)

func squareFrame() container.Frame {
	return container.Frame{
		container.Polyline{
			{X: 0, Y: 0},
			{X: 20, Y: 0},
			{X: 20, Y: 20},
			{X: 0, Y: 20},
			{X: 0, Y: 0},
		},
	}
}

func buildPlaintextContainer(t *testing.T, n int) []byte {
	t.Helper()
	w := container.NewWriter(false, nil)
	for i := 0; i < n; i++ {
		w.AddFrame(squareFrame())
	}
	out, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return out
}

func buildEncryptedContainer(t *testing.T, n int, key *crypto.Key) []byte {
	t.Helper()
	w := container.NewWriter(true, key)
	for i := 0; i < n; i++ {
		w.AddFrame(squareFrame())
	}
	out, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return out
}

// TestPlaintextContainerOutOfBounds covers spec.md §8 scenario 1: a
// three-frame plaintext container, with an out-of-bounds request for
// frame 3 reported as ErrOutOfBounds.
func TestPlaintextContainerOutOfBounds(t *testing.T) {
	raw := buildPlaintextContainer(t, 3)

	p, err := NewBuilder().
		WithMemorySource(raw).
		WithFrameSize(32, 32).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	if got := p.TotalFrames(); got != 3 {
		t.Fatalf("TotalFrames() = %d, want 3", got)
	}

	for i := uint64(0); i < 3; i++ {
		if _, ok := waitForFrame(t, p, i); !ok {
			t.Fatalf("frame %d never became ready", i)
		}
	}

	if _, ok := waitForFrame(t, p, 3); ok {
		t.Fatal("GetFrame(3) succeeded, want out-of-bounds failure")
	}
	if rec := p.LastError(); rec.Code != ErrOutOfBounds {
		t.Fatalf("LastError().Code = %v, want ErrOutOfBounds", rec.Code)
	}
}

// TestEncryptedContainer covers spec.md §8 scenario 2: an encrypted
// container opened with the matching scene key.
func TestEncryptedContainer(t *testing.T) {
	key, err := crypto.DeriveKey(85342, "1.5.0", "pov_mask.asvr")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	raw := buildEncryptedContainer(t, 2, key)

	p, err := NewBuilder().
		WithEncrypted(true).
		WithScene(85342, "1.5.0", "pov_mask.asvr").
		WithMemorySource(raw).
		WithFrameSize(32, 32).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	if _, ok := waitForFrame(t, p, 0); !ok {
		t.Fatalf("frame 0 never became ready: %+v", p.LastError())
	}
}

// TestSeekInvalidatesWindow covers spec.md §8 scenario 3: seeking
// backward past the prefetch window still serves the new play-head frame.
func TestSeekInvalidatesWindow(t *testing.T) {
	raw := buildPlaintextContainer(t, 50)

	p, err := NewBuilder().
		WithMemorySource(raw).
		WithFrameSize(32, 32).
		WithCacheCapacity(16).
		WithPrefetchWindow(8).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	if _, ok := waitForFrame(t, p, 40); !ok {
		t.Fatalf("frame 40 never became ready: %+v", p.LastError())
	}
	if _, ok := waitForFrame(t, p, 2); !ok {
		t.Fatalf("frame 2 never became ready after seek back: %+v", p.LastError())
	}
	if got := p.cache.Invalidations(); got != 1 {
		t.Fatalf("cache.Invalidations() = %d, want 1 after one backward seek", got)
	}
}

// TestTriangleStrip exercises GetTriangleStrip's fan triangulation on a
// single closed square channel: 5 points (closing vertex included) yields
// 3 triangles.
func TestTriangleStrip(t *testing.T) {
	raw := buildPlaintextContainer(t, 1)

	p, err := NewBuilder().
		WithMemorySource(raw).
		WithFrameSize(32, 32).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer p.Close()

	verts, err := p.GetTriangleStrip(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetTriangleStrip: %v", err)
	}
	if len(verts) != 3*3*2 {
		t.Fatalf("len(verts) = %d, want %d", len(verts), 3*3*2)
	}
}

// TestCloseCancelsInFlight covers spec.md §8 scenario 6: destroying a
// Processor while frames are still prefetching completes promptly.
func TestCloseCancelsInFlight(t *testing.T) {
	raw := buildPlaintextContainer(t, 200)

	p, err := NewBuilder().
		WithMemorySource(raw).
		WithFrameSize(32, 32).
		WithCacheCapacity(64).
		WithPrefetchWindow(60).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	waitForFrame(t, p, 0)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return promptly")
	}
}

func waitForFrame(t *testing.T, p *Processor, i uint64) (*MaskView, bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, ok := p.GetFrame(context.Background(), i, 32, 32)
		if ok {
			return view, true
		}
		if p.LastError().Code == ErrOutOfBounds {
			return nil, false
		}
	}
	return nil, false
}
