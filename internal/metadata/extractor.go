// Package metadata scrapes link-preview information (title, description,
// thumbnail) from web pages.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const (
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBytes is how much of a page is read. The head of virtually
	// every page fits.
	DefaultMaxBytes = 10 << 10
)

// Extractor fetches the beginning of a page and parses its preview tags.
type Extractor struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// NewExtractor creates an Extractor. Zero values select the defaults.
func NewExtractor(client *http.Client, timeout time.Duration, maxBytes int64, logger *slog.Logger) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{
		client:   client,
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

var _ domain.MetadataExtractor = (*Extractor)(nil)

// Extract returns the preview metadata of pageURL, or nil when the page
// could not be fetched or holds nothing recognisable in its first bytes.
func (e *Extractor) Extract(ctx context.Context, pageURL string) *domain.LinkMetadata {
	raw, contentType, err := e.fetch(ctx, pageURL)
	if err != nil {
		e.logger.Warn("metadata fetch failed", "url", pageURL, "error", err)
		return nil
	}

	meta, err := Parse(raw, contentType, pageURL)
	if err != nil {
		e.logger.Info("no metadata in page", "url", pageURL, "error", err)
		return nil
	}
	return meta
}

// fetch reads at most maxBytes of the page body.
func (e *Extractor) fetch(ctx context.Context, pageURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// Parse extracts preview metadata from the raw (possibly truncated) bytes of
// an HTML page. contentType is the response header, used to pick the
// character set; pageURL resolves a relative og:image. Missing title or
// description take placeholder values. Parse fails when the bytes contain
// neither a title nor any preview meta tag.
func Parse(raw []byte, contentType, pageURL string) (*domain.LinkMetadata, error) {
	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return nil, fmt.Errorf("detect charset: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	description := metaContent(doc, `meta[property="og:description"]`)
	if description == "" {
		description = metaContent(doc, `meta[name="description"]`)
	}
	if description == "" {
		description = metaContent(doc, `meta[name="twitter:description"]`)
	}
	image := metaContent(doc, `meta[property="og:image"]`)
	if image == "" {
		image = metaContent(doc, `meta[name="twitter:image"], meta[property="twitter:image"]`)
	}

	if title == "" && description == "" && image == "" {
		return nil, fmt.Errorf("no title or preview tags found")
	}

	meta := &domain.LinkMetadata{
		Title:        title,
		Description:  description,
		ThumbnailURL: absoluteURL(pageURL, image),
	}
	if meta.Title == "" {
		meta.Title = domain.NoTitle
	}
	if meta.Description == "" {
		meta.Description = domain.NoDescription
	}
	return meta, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	var content string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content = strings.TrimSpace(s.AttrOr("content", ""))
		return content == ""
	})
	return content
}

// absoluteURL resolves ref against base. It returns "" when ref is empty or
// does not end up as an http(s) URL.
func absoluteURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		b, err := url.Parse(base)
		if err != nil {
			return ""
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
