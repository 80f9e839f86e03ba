// Package speech prepares assistant text for synthesis.
package speech

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	fencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern   = regexp.MustCompile("`[^`]*`")
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

	markupReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// Clean strips markdown, links and symbols a synthesizer would read out
// literally, and collapses whitespace. When nothing speakable is left the
// trimmed input is returned unchanged.
func Clean(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	raw := fencedCodePattern.ReplaceAllString(trimmed, " ")
	raw = inlineCodePattern.ReplaceAllString(raw, " ")
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	space := func() {
		if !prevSpace {
			b.WriteByte(' ')
			prevSpace = true
		}
	}
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			space()
		case unicode.IsControl(r):
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and symbol glyphs
		case speakablePunct(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			space()
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	if !hasLetterOrDigit(out) {
		return trimmed
	}
	return out
}

func speakablePunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	}
	return false
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
