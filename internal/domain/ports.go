package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccountNotFound is returned by a Source when the monitored handle
	// does not resolve to an account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrNotAuthenticated is returned by collaborators used before login.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Source is the feed posts are mirrored from. Implementations authenticate
// when they are constructed.
type Source interface {
	// ResolveAccount maps a handle to the source's account identifier.
	// Returns ErrAccountNotFound when no account matches.
	ResolveAccount(ctx context.Context, handle string) (string, error)

	// LatestPost returns the newest post of the account, or nil when the
	// account has no posts.
	LatestPost(ctx context.Context, accountID string) (*Post, error)
}

// Destination is the feed posts are mirrored to.
type Destination interface {
	// UploadBlob stores the image and returns a handle that can be referenced
	// from an Embed.
	UploadBlob(ctx context.Context, img *ImageBlob) (BlobHandle, error)

	// Publish creates a post with the given text and optional embed.
	Publish(ctx context.Context, text string, embed *Embed) (PostRef, error)
}

// LinkResolver expands a link to its canonical URL. It never fails: on any
// error the original URL is returned, with its query stripped.
type LinkResolver interface {
	Resolve(ctx context.Context, link Link) string
}

// MetadataExtractor scrapes link-preview metadata from a page. Returns nil
// when nothing usable could be fetched or parsed.
type MetadataExtractor interface {
	Extract(ctx context.Context, pageURL string) *LinkMetadata
}

// MediaFetcher downloads an image into memory. Returns nil on any failure.
type MediaFetcher interface {
	Fetch(ctx context.Context, imageURL string) *ImageBlob
}

// CursorRepository persists the identifier of the last mirrored post.
type CursorRepository interface {
	// GetCursor returns the saved identifier. ok is false when nothing has
	// been saved yet.
	GetCursor(ctx context.Context) (id string, ok bool, err error)

	// UpdateCursor saves the identifier of the post that was just mirrored.
	UpdateCursor(ctx context.Context, id string) error

	Close() error
}

// MirroredEvent describes a post that was mirrored successfully.
type MirroredEvent struct {
	Account        string    `json:"account"`
	SourcePostID   string    `json:"sourcePostID"`
	DestinationURI string    `json:"destinationURI"`
	DestinationCID string    `json:"destinationCID"`
	HasEmbed       bool      `json:"hasEmbed"`
	MirroredAt     time.Time `json:"mirroredAt"`
}

// EventPublisher announces mirrored posts to interested systems.
type EventPublisher interface {
	PublishMirrored(ctx context.Context, ev MirroredEvent) error
}

// Metrics receives pipeline measurements.
type Metrics interface {
	// IterationDone records the outcome of one loop iteration: "published",
	// "duplicate", "empty", "publish_failed" or "error".
	IterationDone(outcome string, d time.Duration)

	// StageDone records how long a pipeline stage took and whether it
	// produced a result.
	StageDone(stage string, ok bool, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) IterationDone(string, time.Duration)    {}
func (nopMetrics) StageDone(string, bool, time.Duration) {}

type nopEvents struct{}

func (nopEvents) PublishMirrored(context.Context, MirroredEvent) error { return nil }
