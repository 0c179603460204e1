package bootstrap

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestDownloaderFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("voiced-pack-data"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "kokoro.pack")
	var last [2]int64
	d := NewDownloader(zerolog.Nop())
	n, err := d.Fetch(context.Background(), srv.URL, dest, 0, func(done, total int64) {
		last = [2]int64{done, total}
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded content differs from payload")
	}
	if last[0] != n || last[1] != n {
		t.Fatalf("final progress = %v, want done == total == %d", last, n)
	}
}

func TestDownloaderFetchUnknownLengthUsesEstimate(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 600<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// flushing before the body suppresses the automatic Content-Length
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pack")
	estimate := int64(1 << 20)
	sawEstimate := false
	d := NewDownloader(zerolog.Nop())
	n, err := d.Fetch(context.Background(), srv.URL, dest, estimate, func(done, total int64) {
		if done > 0 && total == estimate {
			sawEstimate = true
		}
		if done > 0 && total == 0 {
			t.Errorf("progress with bytes but zero total: done=%d", done)
		}
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if !sawEstimate {
		t.Fatal("expected the estimate to serve as denominator while length is unknown")
	}
}

func TestDownloaderFetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDownloader(zerolog.Nop())
	_, err := d.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "pack"), 0, nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}
