package rss

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const nitterFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>NASA / @NASA</title>
    <link>https://nitter.net/NASA</link>
    <item>
      <title>RT by @NASA: someone else's post</title>
      <guid>https://nitter.net/other/status/3</guid>
      <pubDate>Mon, 10 Jun 2024 12:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Launch recap: https://nasa.gov/recap?utm_source=x. More soon</title>
      <description>&lt;p&gt;Launch recap&lt;/p&gt;</description>
      <guid>https://nitter.net/NASA/status/2</guid>
      <pubDate>Mon, 10 Jun 2024 11:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Older post</title>
      <guid>https://nitter.net/NASA/status/1</guid>
      <pubDate>Sun, 09 Jun 2024 11:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL+"/%s/rss", server.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLatestPost(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nasa/rss" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(nitterFeed))
	})

	id, err := s.ResolveAccount(context.Background(), "@NASA")
	if err != nil {
		t.Fatalf("ResolveAccount failed: %v", err)
	}
	if id != "nasa" {
		t.Errorf("expected nasa, got %q", id)
	}

	post, err := s.LatestPost(context.Background(), id)
	if err != nil {
		t.Fatalf("LatestPost failed: %v", err)
	}
	if post == nil {
		t.Fatal("expected a post")
	}
	if post.ID != "https://nitter.net/NASA/status/2" {
		t.Errorf("expected newest original post, got %s", post.ID)
	}
	if len(post.Links) != 1 {
		t.Fatalf("expected 1 link, got %+v", post.Links)
	}
	if post.Links[0].ShortURL != "https://nasa.gov/recap?utm_source=x" {
		t.Errorf("unexpected link: %q", post.Links[0].ShortURL)
	}
	if post.Links[0].ExpandedURL != "" {
		t.Errorf("expected no expanded URL, got %q", post.Links[0].ExpandedURL)
	}
}

func TestResolveAccountNotFound(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if _, err := s.ResolveAccount(context.Background(), "nobody"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLatestPostEmptyFeed(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>empty</title></channel></rss>`))
	})

	post, err := s.LatestPost(context.Background(), "nasa")
	if err != nil {
		t.Fatalf("LatestPost failed: %v", err)
	}
	if post != nil {
		t.Errorf("expected nil post, got %+v", post)
	}
}

func TestLatestPostBadFeed(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("rate limited, try later"))
	})

	if _, err := s.LatestPost(context.Background(), "nasa"); err == nil {
		t.Error("expected parse error")
	}
}

func TestToPostFallsBackToDescription(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>atom</title>
  <entry>
    <id>tag:example.com,2024:1</id>
    <updated>2024-06-10T11:00:00Z</updated>
    <summary type="html">&lt;p&gt;See &lt;a href="https://example.com/a"&gt;https://example.com/a&lt;/a&gt;&lt;/p&gt;</summary>
  </entry>
</feed>`))
	})

	post, err := s.LatestPost(context.Background(), "nasa")
	if err != nil {
		t.Fatalf("LatestPost failed: %v", err)
	}
	if post == nil {
		t.Fatal("expected a post")
	}
	if post.ID != "tag:example.com,2024:1" {
		t.Errorf("unexpected ID: %s", post.ID)
	}
	if post.Text != "See https://example.com/a" {
		t.Errorf("unexpected text: %q", post.Text)
	}
	if len(post.Links) != 1 || post.Links[0].ShortURL != "https://example.com/a" {
		t.Errorf("unexpected links: %+v", post.Links)
	}
}
