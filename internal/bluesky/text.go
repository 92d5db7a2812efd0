package bluesky

import (
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

const (
	maxPostGraphemes        = 300
	maxTitleGraphemes       = 300
	maxDescriptionGraphemes = 1000

	ellipsis = "…"
)

// PrepareText NFC-normalises text and truncates it to the post length limit.
func PrepareText(text string) string {
	return truncateGraphemes(norm.NFC.String(text), maxPostGraphemes)
}

// truncateGraphemes cuts s to at most limit grapheme clusters, the last one
// being an ellipsis when s was cut.
func truncateGraphemes(s string, limit int) string {
	if uniseg.GraphemeClusterCount(s) <= limit {
		return s
	}

	var b strings.Builder
	g := uniseg.NewGraphemes(s)
	for n := 0; n < limit-1 && g.Next(); n++ {
		b.WriteString(g.Str())
	}
	return strings.TrimRight(b.String(), " \t\n") + ellipsis
}
