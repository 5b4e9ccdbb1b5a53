package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

const htmlFlags = blackfriday.SkipHTML |
	blackfriday.SkipImages |
	blackfriday.Safelink |
	blackfriday.NofollowLinks |
	blackfriday.NoreferrerLinks |
	blackfriday.HrefTargetBlank

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// ToHTML renders a model reply as HTML safe to embed in the chat page.
// Raw HTML and images in the reply are dropped and only safe link schemes
// are rendered as links.
func ToHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{Flags: htmlFlags})
	html := string(blackfriday.Run(
		[]byte(markdown),
		blackfriday.WithRenderer(renderer),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
	))

	// Clean up extra newlines
	html = excessNewlines.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
