package utils

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	htmlTags        = regexp.MustCompile(`<[^>]*>`)
	multiWhitespace = regexp.MustCompile(`\s+`)
)

// MaxDescriptionLength bounds result descriptions. Some upstreams return full
// article bodies in their summary fields.
const MaxDescriptionLength = 500

// CleanText strips HTML markup, decodes entities and collapses whitespace so
// upstream text renders as a single plain line.
func CleanText(content string) string {
	if content == "" {
		return ""
	}
	content = htmlTags.ReplaceAllString(content, " ")
	content = html.UnescapeString(content)
	content = multiWhitespace.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}

// Snippet cleans content and cuts it to at most max runes, preferring a word
// boundary. Cut text ends with an ellipsis.
func Snippet(content string, max int) string {
	content = CleanText(content)
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content
	}

	runes := []rune(content)
	cut := string(runes[:max-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
