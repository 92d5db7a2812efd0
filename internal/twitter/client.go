package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const DefaultAPIURL = "https://api.x.com"

// timelinePageSize is how many tweets are requested per poll. Only the newest
// is used, but the API rejects values below 5.
const timelinePageSize = 5

// Client reads an account's timeline from the X API v2. It implements
// domain.Source.
type Client struct {
	apiURL      string
	bearerToken string
	session     Session
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ domain.Source = (*Client)(nil)

// NewClient creates an X API client. At least one of bearerToken and session
// must be set; a missing credential is a startup error.
func NewClient(apiURL, bearerToken string, session Session, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if bearerToken == "" && len(session) == 0 {
		return nil, fmt.Errorf("%w: X bearer token or session file required", domain.ErrNotAuthenticated)
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		bearerToken: bearerToken,
		session:     session,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// ResolveAccount looks up the user ID of handle. The handle is matched
// case-insensitively, with or without a leading @.
func (c *Client) ResolveAccount(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "", fmt.Errorf("resolve account: %w", domain.ErrAccountNotFound)
	}

	var resp userResponse
	if err := c.get(ctx, "/2/users/by/username/"+url.PathEscape(handle), nil, &resp); err != nil {
		return "", fmt.Errorf("resolve account %s: %w", handle, err)
	}
	if resp.Data == nil || !strings.EqualFold(resp.Data.Username, handle) {
		return "", fmt.Errorf("resolve account %s: %w", handle, domain.ErrAccountNotFound)
	}

	c.logger.Debug("resolved account", "handle", handle, "id", resp.Data.ID)
	return resp.Data.ID, nil
}

// LatestPost returns the newest original tweet of the account. Retweets and
// replies are excluded.
func (c *Client) LatestPost(ctx context.Context, accountID string) (*domain.Post, error) {
	q := url.Values{
		"max_results":  {fmt.Sprint(timelinePageSize)},
		"tweet.fields": {"entities,created_at"},
		"exclude":      {"retweets,replies"},
	}

	var resp timelineResponse
	if err := c.get(ctx, "/2/users/"+url.PathEscape(accountID)+"/tweets", q, &resp); err != nil {
		return nil, fmt.Errorf("fetch timeline: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	return toPost(resp.Data[0]), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if len(c.session) > 0 {
		req.Header.Set("Cookie", c.session.CookieHeader())
		if csrf := c.session.CSRFToken(); csrf != "" {
			req.Header.Set("x-csrf-token", csrf)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func toPost(t tweet) *domain.Post {
	urls := append([]urlEntity(nil), t.Entities.URLs...)
	sort.SliceStable(urls, func(i, j int) bool { return urls[i].Start < urls[j].Start })

	links := make([]domain.Link, 0, len(urls))
	for _, u := range urls {
		links = append(links, domain.Link{ShortURL: u.URL, ExpandedURL: u.ExpandedURL})
	}

	return &domain.Post{
		ID:    t.ID,
		Text:  t.Text,
		Links: links,
	}
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

type timelineResponse struct {
	Data []tweet `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
	} `json:"meta"`
}

type tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Entities  struct {
		URLs []urlEntity `json:"urls"`
	} `json:"entities"`
}

type urlEntity struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
}
