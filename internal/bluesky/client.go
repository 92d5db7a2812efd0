package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/blackmichael/feed-mirror/internal/domain"
)

const (
	DefaultPDS     = "https://bsky.social"
	DefaultAppView = "https://public.api.bsky.app"

	// MaxBlobBytes is the largest image the PDS accepts for an embed thumb.
	MaxBlobBytes = 976_560

	// refreshMargin is how long before expiry the access token is renewed.
	refreshMargin = 2 * time.Minute

	uploadRetries = 2
)

// Client is a minimal BlueSky/AT Protocol client for mirroring posts into an
// account: session management, blob upload and post creation.
type Client struct {
	pds        string
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	identifier string
	password   string
	accessJwt  string
	refreshJwt string
	did        string
}

// NewClient creates a new BlueSky API client. If pds is empty, it defaults to
// https://bsky.social.
func NewClient(pds string, httpClient *http.Client, logger *slog.Logger) *Client {
	if pds == "" {
		pds = DefaultPDS
	}
	return &Client{
		pds:        pds,
		httpClient: httpClient,
		logger:     logger,
	}
}

var _ domain.Destination = (*Client)(nil)

// Login authenticates with the PDS and stores the session tokens. Use an App
// Password, not your account password. The credentials are kept to log in
// again if the session cannot be refreshed.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identifier = identifier
	c.password = password
	return c.createSessionLocked(ctx)
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// BlobRef represents an AT Protocol blob reference for uploaded content.
type BlobRef struct {
	Type string `json:"$type"`
	Ref  struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// UploadBlob uploads raw image bytes as a blob and returns its *BlobRef.
// The blob will be deleted if not referenced in a record within a time window.
// Transient failures are retried; uploads are idempotent on the PDS.
func (c *Client) UploadBlob(ctx context.Context, img *domain.ImageBlob) (domain.BlobHandle, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("empty blob")
	}

	backoff := retry.WithMaxRetries(uploadRetries, retry.NewExponential(500*time.Millisecond))

	var result uploadBlobResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, http.MethodPost, "/xrpc/com.atproto.repo.uploadBlob", nil,
			bytes.NewReader(img.Data), img.MimeType, token, &result)
		if err == nil {
			return nil
		}
		if isExpiredToken(err) {
			c.invalidateAccess(token)
			return retry.RetryableError(err)
		}
		if isRetryable(err) {
			c.logger.Warn("blob upload failed, retrying", "bytes", len(img.Data), "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}

	blob := result.Blob
	return &blob, nil
}

// Publish creates an app.bsky.feed.post record. The text is normalised and
// truncated to the post length limit. embed, when present, must carry a
// *BlobRef issued by UploadBlob.
//
// A create request is sent at most twice, and the second time only when the
// first was rejected for an expired token, so a post is never duplicated.
func (c *Client) Publish(ctx context.Context, text string, embed *domain.Embed) (domain.PostRef, error) {
	record := postRecord{
		Type:      "app.bsky.feed.post",
		Text:      PrepareText(text),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if embed != nil {
		thumb, ok := embed.Thumb.(*BlobRef)
		if !ok {
			return domain.PostRef{}, fmt.Errorf("unsupported blob handle %T", embed.Thumb)
		}
		record.Embed = &externalEmbed{
			Type: "app.bsky.embed.external",
			External: external{
				URI:         embed.URI,
				Title:       truncateGraphemes(embed.Title, maxTitleGraphemes),
				Description: truncateGraphemes(embed.Description, maxDescriptionGraphemes),
				Thumb:       thumb,
			},
		}
	}

	ref, token, err := c.createPost(ctx, record)
	if isExpiredToken(err) {
		c.logger.Info("access token rejected, refreshing session")
		c.invalidateAccess(token)
		ref, _, err = c.createPost(ctx, record)
	}
	if err != nil {
		return domain.PostRef{}, fmt.Errorf("create post: %w", err)
	}
	return ref, nil
}

func (c *Client) createPost(ctx context.Context, record postRecord) (domain.PostRef, string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return domain.PostRef{}, "", err
	}

	c.mu.Lock()
	did := c.did
	c.mu.Unlock()

	body := createRecordRequest{
		Repo:       did,
		Collection: "app.bsky.feed.post",
		Record:     record,
	}

	var resp createRecordResponse
	if err := c.postJSON(ctx, "/xrpc/com.atproto.repo.createRecord", body, token, &resp); err != nil {
		return domain.PostRef{}, token, err
	}
	return domain.PostRef{URI: resp.URI, CID: resp.CID}, token, nil
}

// ResolveHandle returns the DID of a handle. Returns domain.ErrAccountNotFound
// when the handle does not exist.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	q := url.Values{"handle": {handle}}

	var resp resolveHandleResponse
	err := c.do(ctx, http.MethodGet, "/xrpc/com.atproto.identity.resolveHandle", q, nil, "", "", &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return "", fmt.Errorf("resolve handle %s: %w", handle, domain.ErrAccountNotFound)
		}
		return "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	if resp.DID == "" {
		return "", fmt.Errorf("resolve handle %s: %w", handle, domain.ErrAccountNotFound)
	}
	return resp.DID, nil
}

// accessToken returns a usable access token, refreshing the session when the
// current token is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessJwt == "" && c.refreshJwt == "" && c.identifier == "" {
		return "", fmt.Errorf("%w: call Login first", domain.ErrNotAuthenticated)
	}

	if c.accessJwt != "" {
		exp, ok := tokenExpiry(c.accessJwt)
		if !ok || time.Until(exp) > refreshMargin {
			return c.accessJwt, nil
		}
	}

	if c.refreshJwt != "" {
		err := c.refreshSessionLocked(ctx)
		if err == nil {
			return c.accessJwt, nil
		}
		c.logger.Warn("session refresh failed, logging in again", "error", err)
	}

	if err := c.createSessionLocked(ctx); err != nil {
		return "", err
	}
	return c.accessJwt, nil
}

// invalidateAccess drops token so the next call refreshes the session. It is
// a no-op if the session has already moved on to another token.
func (c *Client) invalidateAccess(token string) {
	c.mu.Lock()
	if c.accessJwt == token {
		c.accessJwt = ""
	}
	c.mu.Unlock()
}

func (c *Client) createSessionLocked(ctx context.Context) error {
	body := map[string]string{
		"identifier": c.identifier,
		"password":   c.password,
	}

	var resp sessionResponse
	if err := c.postJSON(ctx, "/xrpc/com.atproto.server.createSession", body, "", &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.setSessionLocked(resp)
	return nil
}

func (c *Client) refreshSessionLocked(ctx context.Context) error {
	var resp sessionResponse
	if err := c.postJSON(ctx, "/xrpc/com.atproto.server.refreshSession", nil, c.refreshJwt, &resp); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	c.setSessionLocked(resp)
	return nil
}

func (c *Client) setSessionLocked(resp sessionResponse) {
	c.accessJwt = resp.AccessJwt
	c.refreshJwt = resp.RefreshJwt
	c.did = resp.DID
}

func (c *Client) postJSON(ctx context.Context, path string, body any, token string, result any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, "application/json", token, result)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType, token string, result any) error {
	endpoint := c.pds + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The PDS is
// the only party that needs to verify its own tokens.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type createRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type uploadBlobResponse struct {
	Blob BlobRef `json:"blob"`
}

type resolveHandleResponse struct {
	DID string `json:"did"`
}

type postRecord struct {
	Type      string         `json:"$type"`
	Text      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Embed     *externalEmbed `json:"embed,omitempty"`
}

type externalEmbed struct {
	Type     string   `json:"$type"`
	External external `json:"external"`
}

type external struct {
	URI         string   `json:"uri"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Thumb       *BlobRef `json:"thumb,omitempty"`
}
