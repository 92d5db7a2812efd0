package rss

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const DefaultURLTemplate = "https://nitter.net/%s/rss"

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Source reads an account's posts from its RSS or Atom feed. The feed URL is
// built from a template with the handle as its only verb. It implements
// domain.Source.
type Source struct {
	urlTemplate string
	client      *http.Client
	parser      *gofeed.Parser
	logger      *slog.Logger
}

var _ domain.Source = (*Source)(nil)

// New creates a new RSS source. An empty template uses DefaultURLTemplate.
func New(urlTemplate string, client *http.Client, logger *slog.Logger) *Source {
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	return &Source{
		urlTemplate: urlTemplate,
		client:      client,
		parser:      gofeed.NewParser(),
		logger:      logger,
	}
}

// ResolveAccount checks that the handle has a feed. The account identifier is
// the normalised handle.
func (s *Source) ResolveAccount(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" {
		return "", fmt.Errorf("resolve account: %w", domain.ErrAccountNotFound)
	}

	if _, err := s.fetch(ctx, handle); err != nil {
		return "", fmt.Errorf("resolve account %s: %w", handle, err)
	}
	return handle, nil
}

// LatestPost returns the newest original item of the feed, skipping reposts
// and replies.
func (s *Source) LatestPost(ctx context.Context, accountID string) (*domain.Post, error) {
	feed, err := s.fetch(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	var newest *gofeed.Item
	for _, item := range feed.Items {
		if isRepostOrReply(item) {
			continue
		}
		if newest == nil || newerThan(item, newest) {
			newest = item
		}
	}
	if newest == nil {
		return nil, nil
	}

	return toPost(newest), nil
}

func (s *Source) fetch(ctx context.Context, handle string) (*gofeed.Feed, error) {
	feedURL := fmt.Sprintf(s.urlTemplate, handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrAccountNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	feed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func isRepostOrReply(item *gofeed.Item) bool {
	return strings.HasPrefix(item.Title, "RT by ") || strings.HasPrefix(item.Title, "R to ")
}

// newerThan orders by publication time. Items without one keep feed order,
// which is newest first for every feed seen in practice.
func newerThan(a, b *gofeed.Item) bool {
	if a.PublishedParsed == nil || b.PublishedParsed == nil {
		return false
	}
	return a.PublishedParsed.After(*b.PublishedParsed)
}

func toPost(item *gofeed.Item) *domain.Post {
	id := item.GUID
	if id == "" {
		id = item.Link
	}

	text := strings.TrimSpace(item.Title)
	if text == "" {
		text = plainText(item.Description)
	}

	var links []domain.Link
	seen := map[string]bool{}
	for _, m := range linkPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?)]'")
		if seen[m] {
			continue
		}
		seen[m] = true
		links = append(links, domain.Link{ShortURL: m})
	}

	return &domain.Post{ID: id, Text: text, Links: links}
}

// plainText returns the text content of an HTML fragment.
func plainText(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(doc.Text())
}
