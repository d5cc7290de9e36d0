package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestMemSource(t *testing.T) {
	buf := []byte("0123456789")
	src := NewMemSource(buf)
	ctx := context.Background()

	n, err := src.Len(ctx)
	if err != nil || n != 10 {
		t.Fatalf("Len() = %d, %v, want 10, nil", n, err)
	}

	got, err := src.ReadRange(ctx, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("234")) {
		t.Fatalf("ReadRange(2,3) = %q, want \"234\"", got)
	}

	// Short read past the end.
	got, err = src.ReadRange(ctx, 8, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("89")) {
		t.Fatalf("ReadRange(8,10) = %q, want \"89\"", got)
	}

	if _, err := src.ReadRange(ctx, 11, 1); err == nil {
		t.Fatal("ReadRange(11,1) should be OutOfBounds")
	}
}

func TestFileSource(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "alphastream-test")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := f.Write(want); err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()

	src, err := NewFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	n, err := src.Len(ctx)
	if err != nil || n != uint64(len(want)) {
		t.Fatalf("Len() = %d, %v, want %d, nil", n, err, len(want))
	}

	got, err := src.ReadRange(ctx, 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want[4:9]) {
		t.Fatalf("ReadRange(4,5) = %q, want %q", got, want[4:9])
	}

	if closer, ok := src.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHTTPSourceRangeRequests(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 1000) // 10000 bytes

	var gotRanges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRanges = append(gotRanges, r.Header.Get("Range"))
		http.ServeContent(w, r, "pov_mask.asvr", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/pov_mask.asvr", HTTPOptions{ChunkSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	n, err := src.Len(ctx)
	if err != nil || n != uint64(len(data)) {
		t.Fatalf("Len() = %d, %v, want %d, nil", n, err, len(data))
	}

	got, err := src.ReadRange(ctx, 100, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[100:9100]) {
		t.Fatal("ReadRange returned mismatched bytes")
	}
	if len(gotRanges) < 2 {
		t.Fatalf("expected ReadRange to be split across multiple sub-requests, got %v", gotRanges)
	}
}

func TestHTTPSourceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/missing.asvr", HTTPOptions{RetryCount: 0})
	if err != nil {
		t.Fatal(err)
	}
	_, err = src.Len(context.Background())
	if err == nil {
		t.Fatal("expected NotFound error")
	}
	var terr *Error
	if as, ok := err.(*Error); !ok || as.Code != ErrCodeNotFound {
		_ = as
		t.Fatalf("expected ErrCodeNotFound, got %v (%T)", err, terr)
	}
}
