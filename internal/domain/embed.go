package domain

import (
	"sort"
	"strings"
)

// Embed is the rich link preview attached to a mirrored post.
type Embed struct {
	URI         string
	Title       string
	Description string
	Thumb       BlobHandle
}

// BuildEmbed combines the scraped metadata and an uploaded thumbnail into an
// embed. It returns nil unless both are present: a preview without an image
// is published as a text-only post.
func BuildEmbed(meta *LinkMetadata, thumb BlobHandle, uri string) *Embed {
	if meta == nil || thumb == nil {
		return nil
	}
	return &Embed{
		URI:         uri,
		Title:       meta.Title,
		Description: meta.Description,
		Thumb:       thumb,
	}
}

// StripShortLinks replaces every short-link token of links found in text
// with a single space and trims the result. Longer tokens win over tokens
// that are a prefix of them.
func StripShortLinks(text string, links []Link) string {
	tokens := make([]string, 0, len(links))
	for _, l := range links {
		if l.ShortURL != "" {
			tokens = append(tokens, l.ShortURL)
		}
	}
	if len(tokens) == 0 {
		return strings.TrimSpace(text)
	}
	sort.SliceStable(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })

	pairs := make([]string, 0, 2*len(tokens))
	for _, t := range tokens {
		pairs = append(pairs, t, " ")
	}
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(text))
}
