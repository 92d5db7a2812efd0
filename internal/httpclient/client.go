// Package httpclient builds the single HTTP client the process shares for
// all outbound page, image and API requests.
package httpclient

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/corpix/uarand"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Settings configure the shared client.
type Settings struct {
	// UserAgent is sent on requests that do not set their own. A random
	// browser UA is picked when empty.
	UserAgent string

	// HostInterval is the minimum spacing between two requests to the same
	// host. Zero disables per-host limiting.
	HostInterval time.Duration

	// Timeout is the overall client timeout, a backstop for callers that do
	// not bound their own requests.
	Timeout time.Duration
}

// New returns an *http.Client whose transport applies the per-host rate
// limit, the default User-Agent and tracing.
func New(settings Settings) *http.Client {
	ua := settings.UserAgent
	if ua == "" {
		ua = uarand.GetRandom()
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 4

	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(&transport{
			next:      base,
			userAgent: ua,
			interval:  settings.HostInterval,
			limiters:  make(map[string]*rate.Limiter),
		}),
	}
}

// NoRedirects returns a copy of c that hands 3xx responses back to the caller
// instead of following them. The copy shares c's transport and connection
// pool.
func NoRedirects(c *http.Client) *http.Client {
	clone := *c
	clone.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &clone
}

type transport struct {
	next      http.RoundTripper
	userAgent string
	interval  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by host
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.interval > 0 {
		if err := t.limiterFor(req.URL.Hostname()).Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

func (t *transport) limiterFor(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(t.interval), 1)
	t.limiters[host] = l
	return l
}
