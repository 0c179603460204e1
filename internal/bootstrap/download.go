package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Downloader streams a remote pack archive to a local file while reporting
// byte progress.
type Downloader struct {
	client *http.Client
	log    zerolog.Logger
}

// NewDownloader builds a Downloader. All calls carry context deadlines, so
// the client itself has no timeout.
func NewDownloader(log zerolog.Logger) *Downloader {
	return &Downloader{client: &http.Client{Timeout: 0}, log: log}
}

// Fetch downloads url into dest. estimate is used as the progress denominator
// when the server does not report a content length, so the percentage never
// divides by zero. Returns the number of bytes written.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, estimate int64, onProgress func(done, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	total := resp.ContentLength
	if total <= 0 {
		// Unknown length: report 0 until the first byte arrives, then fall
		// back to the catalog's size estimate as denominator.
		total = 0
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	d.log.Info().Str("url", url).Int64("content_length", resp.ContentLength).Msg("download start")

	var done int64
	buf := make([]byte, 256<<10)
	lastEmit := time.Now()
	if onProgress != nil {
		onProgress(0, total)
	}
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			// The file write blocks until the sink drains, which is the
			// backpressure the producer side needs.
			if _, werr := out.Write(buf[:n]); werr != nil {
				return done, werr
			}
			done += n64(n)
			if total == 0 {
				total = estimate
			}
			if onProgress != nil && time.Since(lastEmit) >= 100*time.Millisecond {
				lastEmit = time.Now()
				onProgress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			return done, fmt.Errorf("download %s: %w", url, rerr)
		}
	}
	if err := out.Sync(); err != nil {
		return done, err
	}
	if onProgress != nil {
		onProgress(done, maxInt64(total, done))
	}
	d.log.Info().Str("dest", dest).Int64("bytes", done).Msg("download complete")
	return done, nil
}

func n64(n int) int64 { return int64(n) }

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
