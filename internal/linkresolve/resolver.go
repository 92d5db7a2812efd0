// Package linkresolve expands short links to the URL they point at.
package linkresolve

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackmichael/feed-mirror/internal/domain"
	"github.com/blackmichael/feed-mirror/internal/httpclient"
)

const DefaultTimeout = 10 * time.Second

// Resolver expands a link by following a single redirect hop. It prefers the
// expanded URL supplied by the source and only goes to the network when
// there is none.
type Resolver struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver on top of the shared client. Redirects are
// never followed automatically; the first Location header is the answer.
func NewResolver(client *http.Client, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		client:  httpclient.NoRedirects(client),
		timeout: timeout,
		logger:  logger,
	}
}

var _ domain.LinkResolver = (*Resolver)(nil)

// Resolve returns the canonical URL of link with its query removed. Any
// failure yields the original URL, also without its query.
func (r *Resolver) Resolve(ctx context.Context, link domain.Link) string {
	if link.ExpandedURL != "" {
		return CleanURL(link.ExpandedURL)
	}
	if link.ShortURL == "" {
		return ""
	}

	target, err := r.follow(ctx, link.ShortURL)
	if err != nil {
		r.logger.Warn("link resolution failed, using original URL", "url", link.ShortURL, "error", err)
		return CleanURL(link.ShortURL)
	}
	return CleanURL(target)
}

func (r *Resolver) follow(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	if !isRedirect(resp.StatusCode) {
		return rawURL, nil
	}

	loc, err := resp.Location()
	if err != nil {
		// A redirect without a usable Location is treated as no redirect.
		return rawURL, nil
	}
	return loc.String(), nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// CleanURL removes the query string from rawURL. The fragment is kept unless
// it contains a '?' of its own.
func CleanURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexByte(rawURL, '?'); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	u.RawQuery = ""
	u.ForceQuery = false
	if strings.Contains(u.Fragment, "?") {
		u.Fragment = ""
		u.RawFragment = ""
	}
	return u.String()
}
