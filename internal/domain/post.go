package domain

// Post is a snapshot of the newest item on the source feed. It is created
// fresh on every poll and never mutated afterwards.
type Post struct {
	// ID is the source-assigned identifier. It is unique per post and is the
	// only thing the dedup cursor compares.
	ID string

	// Text is the raw post body. It may contain short-link tokens.
	Text string

	// Links are the link entities supplied by the source, in order of
	// appearance in Text.
	Links []Link
}

// Link pairs a short-link token as it appears in the post text with the
// expanded URL the source reported for it, if any.
type Link struct {
	// ShortURL is the token exactly as it appears in the post text.
	ShortURL string

	// ExpandedURL is the canonical destination supplied by the source. Empty
	// when the source did not provide one and the link has to be followed.
	ExpandedURL string
}

// FirstLink returns the first link of the post, if there is one.
func (p *Post) FirstLink() (Link, bool) {
	if p == nil || len(p.Links) == 0 {
		return Link{}, false
	}
	return p.Links[0], true
}

// LinkMetadata is the link-preview information scraped from a page.
type LinkMetadata struct {
	Title       string
	Description string

	// ThumbnailURL is the absolute og:image URL, empty when the page has none.
	ThumbnailURL string
}

// Placeholders used when a page lacks the corresponding tags.
const (
	NoTitle       = "No title found"
	NoDescription = "No description found"
)

// ImageBlob is a downloaded image held in memory. It is owned by the
// iteration that fetched it and dropped right after upload.
type ImageBlob struct {
	Data     []byte
	MimeType string
}

// Size returns the number of bytes held.
func (b *ImageBlob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// BlobHandle is the opaque reference a destination returns for an uploaded
// blob. Only the destination that issued it knows how to read it.
type BlobHandle any

// PostRef identifies a post created on the destination.
type PostRef struct {
	URI string
	CID string
}
