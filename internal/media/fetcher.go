// Package media downloads link-preview thumbnails into memory.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultMaxBytes = 1 << 20
)

// Options bound a Fetcher. Zero values select the defaults.
type Options struct {
	// Timeout bounds the whole download.
	Timeout time.Duration

	// MaxBytes is the largest body accepted. Larger images are discarded,
	// never truncated.
	MaxBytes int64

	// MaxBlobBytes is the destination's upload limit. Images above it are
	// re-encoded to fit. Zero disables re-encoding for size.
	MaxBlobBytes int

	// MaxWidth downscales wider images. Zero disables resizing.
	MaxWidth int
}

// Fetcher downloads images into memory. It never writes to disk.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewFetcher creates a Fetcher using the shared client.
func NewFetcher(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, opts: opts, logger: logger}
}

var _ domain.MediaFetcher = (*Fetcher)(nil)

// Fetch downloads imageURL and returns the image ready for upload, or nil
// on any failure.
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) *domain.ImageBlob {
	if !strings.HasPrefix(imageURL, "http") {
		f.logger.Debug("skipping thumbnail with unsupported scheme", "url", imageURL)
		return nil
	}

	data, err := f.download(ctx, imageURL)
	if err != nil {
		f.logger.Warn("thumbnail download failed", "url", imageURL, "error", err)
		return nil
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		f.logger.Warn("thumbnail is not an image", "url", imageURL, "mime_type", mimeType)
		return nil
	}

	img, err := Normalize(&domain.ImageBlob{Data: data, MimeType: mimeType}, f.sizeLimit(), f.opts.MaxWidth)
	if err != nil {
		f.logger.Warn("thumbnail could not be prepared", "url", imageURL, "bytes", len(data), "error", err)
		return nil
	}
	return img
}

// sizeLimit is the largest image Fetch may return: the download cap, or the
// destination's upload limit when that is smaller. Re-encoding can grow an
// image, so both bound the output.
func (f *Fetcher) sizeLimit() int {
	limit := int(f.opts.MaxBytes)
	if f.opts.MaxBlobBytes > 0 && f.opts.MaxBlobBytes < limit {
		limit = f.opts.MaxBlobBytes
	}
	return limit
}

func (f *Fetcher) download(ctx context.Context, imageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.ContentLength > f.opts.MaxBytes {
		return nil, fmt.Errorf("image is %d bytes, limit is %d", resp.ContentLength, f.opts.MaxBytes)
	}

	// Read one byte past the cap to tell "exactly at the cap" from "more".
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.opts.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return data, nil
}
