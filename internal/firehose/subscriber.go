package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const (
	DefaultURL = "wss://jetstream1.us-east.bsky.network/subscribe"

	// DefaultLookback is how far back the first connection replays, so the
	// account's newest post is known even if it predates startup.
	DefaultLookback = 24 * time.Hour

	reconnectDelay = 5 * time.Second
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Only post events are needed to track the newest post.
var wantedCollections = []string{
	"app.bsky.feed.post",
}

// HandleResolver maps a Bluesky handle to its DID.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Subscriber follows one account on the Jetstream firehose and remembers its
// newest top-level post. It implements domain.Source.
type Subscriber struct {
	url      string
	resolver HandleResolver
	lookback time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	did    string
	latest *domain.Post
	cursor int64
	ready  chan struct{}
}

var _ domain.Source = (*Subscriber)(nil)

// NewSubscriber creates a new firehose subscriber. lookback <= 0 uses
// DefaultLookback.
func NewSubscriber(firehoseURL string, resolver HandleResolver, lookback time.Duration, logger *slog.Logger) *Subscriber {
	if firehoseURL == "" {
		firehoseURL = DefaultURL
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Subscriber{
		url:      firehoseURL,
		resolver: resolver,
		lookback: lookback,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// ResolveAccount resolves handle to a DID and selects it as the account to
// follow. It must be called before Start.
func (s *Subscriber) ResolveAccount(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" {
		return "", fmt.Errorf("resolve account: %w", domain.ErrAccountNotFound)
	}

	did, err := s.resolver.ResolveHandle(ctx, handle)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.did == "" {
		s.did = did
		close(s.ready)
	} else if s.did != did {
		return "", fmt.Errorf("subscriber already follows %s", s.did)
	}
	return did, nil
}

// LatestPost returns the newest post seen for accountID, or nil if none has
// been seen since the subscription started.
func (s *Subscriber) LatestPost(ctx context.Context, accountID string) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if accountID != s.did {
		return nil, fmt.Errorf("latest post: %s is not followed", accountID)
	}
	if s.latest == nil {
		return nil, nil
	}
	p := *s.latest
	return &p, nil
}

// Start connects to the firehose and processes events until the context is
// cancelled. It waits for ResolveAccount and automatically reconnects on
// transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
					// backoff before reconnecting
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(did string, cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	q.Add("wantedDids", did)
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	s.mu.Lock()
	did := s.did
	cursor := s.cursor
	s.mu.Unlock()

	// The first connection replays the lookback window; later ones resume
	// where the previous connection stopped.
	if cursor == 0 {
		cursor = time.Now().Add(-s.lookback).UnixMicro()
	}

	wsURL := s.buildURL(did, cursor)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to firehose", "did", did)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		s.handleEvent(event)
	}
}

func (s *Subscriber) handleEvent(event *jetstreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.TimeUS > s.cursor {
		s.cursor = event.TimeUS
	}
	if event.Kind != "commit" || event.Commit == nil || event.DID != s.did {
		return
	}

	commit := event.Commit
	if commit.Collection != "app.bsky.feed.post" {
		return
	}

	uri := fmt.Sprintf("at://%s/%s/%s", event.DID, commit.Collection, commit.RKey)

	switch commit.Operation {
	case "create":
		if commit.Record == nil || commit.Record.Reply != nil {
			return
		}
		s.latest = &domain.Post{
			ID:    uri,
			Text:  commit.Record.Text,
			Links: postLinks(commit.Record),
		}
		s.logger.Debug("tracked post", "uri", uri, "text_preview", truncate(commit.Record.Text, 100))

	case "delete":
		if s.latest != nil && s.latest.ID == uri {
			s.latest = nil
		}
	}
}

// postLinks returns the link facets of a record in text order. ShortURL is the
// text the facet covers, which Bluesky clients usually shorten.
func postLinks(record *postRecord) []domain.Link {
	facets := append([]facet(nil), record.Facets...)
	sort.SliceStable(facets, func(i, j int) bool {
		return facets[i].Index.ByteStart < facets[j].Index.ByteStart
	})

	var links []domain.Link
	for _, f := range facets {
		for _, feat := range f.Features {
			if feat.Type != linkFeature || feat.URI == "" {
				continue
			}
			link := domain.Link{ExpandedURL: feat.URI}
			start, end := f.Index.ByteStart, f.Index.ByteEnd
			if start >= 0 && start < end && end <= len(record.Text) {
				link.ShortURL = record.Text[start:end]
			}
			links = append(links, link)
		}
	}
	return links
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var raw struct {
		DID    string          `json:"did"`
		TimeUS int64           `json:"time_us"`
		Kind   string          `json:"kind"`
		Commit json.RawMessage `json:"commit,omitempty"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	event := &jetstreamEvent{
		DID:    raw.DID,
		TimeUS: raw.TimeUS,
		Kind:   raw.Kind,
	}

	if raw.Kind == "commit" && len(raw.Commit) > 0 {
		var rc struct {
			Rev        string          `json:"rev"`
			Operation  string          `json:"operation"`
			Collection string          `json:"collection"`
			RKey       string          `json:"rkey"`
			Record     json.RawMessage `json:"record,omitempty"`
			CID        string          `json:"cid"`
		}
		if err := json.Unmarshal(raw.Commit, &rc); err != nil {
			return nil, fmt.Errorf("unmarshal commit: %w", err)
		}

		commit := &jetstreamCommit{
			Rev:        rc.Rev,
			Operation:  rc.Operation,
			Collection: rc.Collection,
			RKey:       rc.RKey,
			CID:        rc.CID,
		}

		if len(rc.Record) > 0 && rc.Collection == "app.bsky.feed.post" {
			var record postRecord
			if err := json.Unmarshal(rc.Record, &record); err != nil {
				return nil, fmt.Errorf("unmarshal post record: %w", err)
			}
			commit.Record = &record
		}

		event.Commit = commit
	}

	return event, nil
}
