package firehose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

type fakeResolver map[string]string

func (f fakeResolver) ResolveHandle(_ context.Context, handle string) (string, error) {
	did, ok := f[handle]
	if !ok {
		return "", domain.ErrAccountNotFound
	}
	return did, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriber(t *testing.T, wsURL string) *Subscriber {
	t.Helper()
	s := NewSubscriber(wsURL, fakeResolver{"alice.bsky.social": "did:plc:alice"}, time.Hour, testLogger())
	if _, err := s.ResolveAccount(context.Background(), "@Alice.bsky.social"); err != nil {
		t.Fatalf("ResolveAccount failed: %v", err)
	}
	return s
}

const createEvent = `{
	"did": "did:plc:alice",
	"time_us": 1725911162329308,
	"kind": "commit",
	"commit": {
		"rev": "3l3qo2vutsw2b",
		"operation": "create",
		"collection": "app.bsky.feed.post",
		"rkey": "3l3qo2vuowo2b",
		"record": {
			"$type": "app.bsky.feed.post",
			"createdAt": "2024-09-09T19:46:02.102Z",
			"text": "Read this example.com/story... now",
			"facets": [{
				"index": {"byteStart": 10, "byteEnd": 30},
				"features": [{"$type": "app.bsky.richtext.facet#link", "uri": "https://example.com/story?ref=bsky"}]
			}]
		},
		"cid": "bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi"
	}
}`

func TestResolveAccount(t *testing.T) {
	s := NewSubscriber("", fakeResolver{"alice.bsky.social": "did:plc:alice"}, 0, testLogger())

	if _, err := s.ResolveAccount(context.Background(), "nobody.bsky.social"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := s.ResolveAccount(context.Background(), "@"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound for empty handle, got %v", err)
	}

	did, err := s.ResolveAccount(context.Background(), "ALICE.bsky.social")
	if err != nil {
		t.Fatalf("ResolveAccount failed: %v", err)
	}
	if did != "did:plc:alice" {
		t.Errorf("expected did:plc:alice, got %q", did)
	}
}

func TestHandleEventTracksNewestPost(t *testing.T) {
	s := newTestSubscriber(t, "")

	if post, err := s.LatestPost(context.Background(), "did:plc:alice"); err != nil || post != nil {
		t.Fatalf("expected no post before any event, got %v, %v", post, err)
	}

	event, err := parseEvent([]byte(createEvent))
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	s.handleEvent(event)

	post, err := s.LatestPost(context.Background(), "did:plc:alice")
	if err != nil {
		t.Fatalf("LatestPost failed: %v", err)
	}
	if post == nil {
		t.Fatal("expected a post")
	}
	if post.ID != "at://did:plc:alice/app.bsky.feed.post/3l3qo2vuowo2b" {
		t.Errorf("unexpected post ID: %s", post.ID)
	}
	if len(post.Links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(post.Links))
	}
	if post.Links[0].ShortURL != "example.com/story..." {
		t.Errorf("unexpected short URL: %q", post.Links[0].ShortURL)
	}
	if post.Links[0].ExpandedURL != "https://example.com/story?ref=bsky" {
		t.Errorf("unexpected expanded URL: %q", post.Links[0].ExpandedURL)
	}
	if got := domain.StripShortLinks(post.Text, post.Links); got != "Read this   now" {
		t.Errorf("unexpected stripped text: %q", got)
	}

	deleteEvent := &jetstreamEvent{
		DID:  "did:plc:alice",
		Kind: "commit",
		Commit: &jetstreamCommit{
			Operation:  "delete",
			Collection: "app.bsky.feed.post",
			RKey:       "3l3qo2vuowo2b",
		},
	}
	s.handleEvent(deleteEvent)
	if post, _ := s.LatestPost(context.Background(), "did:plc:alice"); post != nil {
		t.Errorf("expected deleted post to be forgotten, got %v", post)
	}
}

func TestHandleEventIgnoresOtherPosts(t *testing.T) {
	s := newTestSubscriber(t, "")

	reply := &jetstreamEvent{
		DID:  "did:plc:alice",
		Kind: "commit",
		Commit: &jetstreamCommit{
			Operation:  "create",
			Collection: "app.bsky.feed.post",
			RKey:       "reply",
			Record:     &postRecord{Text: "replying", Reply: &replyRef{}},
		},
	}
	other := &jetstreamEvent{
		DID:  "did:plc:bob",
		Kind: "commit",
		Commit: &jetstreamCommit{
			Operation:  "create",
			Collection: "app.bsky.feed.post",
			RKey:       "bob",
			Record:     &postRecord{Text: "hello"},
		},
	}
	identity := &jetstreamEvent{DID: "did:plc:alice", Kind: "identity"}

	for _, ev := range []*jetstreamEvent{reply, other, identity} {
		s.handleEvent(ev)
	}
	if post, _ := s.LatestPost(context.Background(), "did:plc:alice"); post != nil {
		t.Errorf("expected no tracked post, got %+v", post)
	}
}

func TestLatestPostUnknownAccount(t *testing.T) {
	s := newTestSubscriber(t, "")
	if _, err := s.LatestPost(context.Background(), "did:plc:bob"); err == nil {
		t.Error("expected error for an account that is not followed")
	}
}

func TestPostLinksOrderAndBounds(t *testing.T) {
	record := &postRecord{
		Text: "one two",
		Facets: []facet{
			{Index: byteSlice{ByteStart: 4, ByteEnd: 7}, Features: []facetFeature{{Type: linkFeature, URI: "https://two.example"}}},
			{Index: byteSlice{ByteStart: 0, ByteEnd: 3}, Features: []facetFeature{{Type: linkFeature, URI: "https://one.example"}}},
			{Index: byteSlice{ByteStart: 0, ByteEnd: 3}, Features: []facetFeature{{Type: "app.bsky.richtext.facet#tag"}}},
			{Index: byteSlice{ByteStart: 5, ByteEnd: 99}, Features: []facetFeature{{Type: linkFeature, URI: "https://bad.example"}}},
		},
	}

	links := postLinks(record)
	want := []domain.Link{
		{ShortURL: "one", ExpandedURL: "https://one.example"},
		{ShortURL: "two", ExpandedURL: "https://two.example"},
		{ShortURL: "", ExpandedURL: "https://bad.example"},
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %d: %+v", len(want), len(links), links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("link %d: expected %+v, got %+v", i, want[i], links[i])
		}
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	if _, err := parseEvent([]byte("not json")); err == nil {
		t.Error("expected error")
	}
}

func TestStartSubscribesToAccount(t *testing.T) {
	queries := make(chan url.Values, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(createEvent))
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer server.Close()

	s := newTestSubscriber(t, "ws"+strings.TrimPrefix(server.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	q := <-queries
	if q.Get("wantedDids") != "did:plc:alice" {
		t.Errorf("expected wantedDids=did:plc:alice, got %q", q.Get("wantedDids"))
	}
	if q.Get("wantedCollections") != "app.bsky.feed.post" {
		t.Errorf("unexpected wantedCollections: %q", q.Get("wantedCollections"))
	}
	if q.Get("cursor") == "" {
		t.Error("expected a replay cursor on first connect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		post, _ := s.LatestPost(context.Background(), "did:plc:alice")
		if post != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("post never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
