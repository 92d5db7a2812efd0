package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/blackmichael/feed-mirror/internal/domain"
	"github.com/blackmichael/feed-mirror/internal/httpclient"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func noisyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// checkerPNG compresses far better as PNG than as JPEG.
func checkerPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 0xff})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestFetcher(opts Options) *Fetcher {
	client := httpclient.New(httpclient.Settings{UserAgent: "feed-mirror-test"})
	return NewFetcher(client, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetch(t *testing.T) {
	body := pngBytes(t, 16, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	img := newTestFetcher(Options{}).Fetch(context.Background(), server.URL+"/thumb.png")
	if img == nil {
		t.Fatal("expected image, got nil")
	}
	if !bytes.Equal(img.Data, body) {
		t.Error("expected image bytes to be returned unchanged")
	}
	if img.MimeType != "image/png" {
		t.Errorf("expected image/png, got %s", img.MimeType)
	}
}

func TestFetchRejects(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "html instead of image",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html><body>login required</body></html>"))
			},
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			if img := newTestFetcher(Options{}).Fetch(context.Background(), server.URL); img != nil {
				t.Errorf("expected nil, got %d bytes", img.Size())
			}
		})
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := newTestFetcher(Options{})
	for _, u := range []string{"ftp://example.com/a.png", "//cdn.example.com/a.png", "data:image/png;base64,AAAA", ""} {
		if img := f.Fetch(context.Background(), u); img != nil {
			t.Errorf("Fetch(%q): expected nil", u)
		}
	}
}

func TestFetchNeverExceedsCap(t *testing.T) {
	const limit = 4 << 10
	big := append(pngBytes(t, 8, 8), bytes.Repeat([]byte{0}, 3*limit)...)

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "declared length over cap",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", strconv.Itoa(len(big)))
				w.Write(big)
			},
		},
		{
			name: "streamed without length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				flusher := w.(http.Flusher)
				for i := 0; i < len(big); i += 512 {
					end := min(i+512, len(big))
					w.Write(big[i:end])
					flusher.Flush()
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			img := newTestFetcher(Options{MaxBytes: limit}).Fetch(context.Background(), server.URL)
			if img != nil && img.Size() > limit {
				t.Fatalf("fetcher returned %d bytes, cap is %d", img.Size(), limit)
			}
			if img != nil {
				t.Errorf("expected oversize image to be discarded, got %d bytes", img.Size())
			}
		})
	}
}

func TestFetchReencodedImageStaysUnderCap(t *testing.T) {
	body := checkerPNG(t, 4000, 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer server.Close()

	limit := int64(len(body) + 100)
	img := newTestFetcher(Options{
		MaxBytes:     limit,
		MaxBlobBytes: 976_560,
		MaxWidth:     2000,
	}).Fetch(context.Background(), server.URL)

	if img != nil && int64(img.Size()) > limit {
		t.Fatalf("source was %d bytes with cap %d, fetcher returned %d bytes", len(body), limit, img.Size())
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	img := newTestFetcher(Options{Timeout: 50 * time.Millisecond}).Fetch(context.Background(), server.URL)
	if img != nil {
		t.Error("expected nil after timeout")
	}
}

func TestNormalizeDownscalesWideImages(t *testing.T) {
	in := &domain.ImageBlob{Data: pngBytes(t, 400, 100), MimeType: "image/png"}

	out, err := Normalize(in, 0, 200)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.MimeType != "image/jpeg" {
		t.Errorf("expected re-encoded jpeg, got %s", out.MimeType)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got := decoded.Bounds().Dx(); got != 200 {
		t.Errorf("expected width 200, got %d", got)
	}
	if got := decoded.Bounds().Dy(); got != 50 {
		t.Errorf("expected height 50, got %d", got)
	}
}

func TestNormalizeKeepsSmallImages(t *testing.T) {
	in := &domain.ImageBlob{Data: pngBytes(t, 32, 32), MimeType: "image/png"}

	out, err := Normalize(in, 1<<20, 2000)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out != in {
		t.Error("expected the original image to be returned as is")
	}
}

func TestNormalizeShrinksOversizeImages(t *testing.T) {
	in := &domain.ImageBlob{Data: noisyPNG(t, 256, 256), MimeType: "image/png"}
	limit := len(in.Data) - 1

	out, err := Normalize(in, limit, 0)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.Size() > limit {
		t.Errorf("expected at most %d bytes, got %d", limit, out.Size())
	}
}

func TestNormalizeRejectsUndecodableOversize(t *testing.T) {
	in := &domain.ImageBlob{Data: bytes.Repeat([]byte("x"), 100), MimeType: "image/avif"}

	if _, err := Normalize(in, 10, 0); err == nil {
		t.Error("expected error for undecodable image over the limit")
	}
	if out, err := Normalize(in, 1000, 0); err != nil || out != in {
		t.Errorf("expected undecodable small image to pass through, got %v, %v", out, err)
	}
}
