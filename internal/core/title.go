package core

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/civiclens/civiclens/internal/config"
)

var titleStopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`what is the a an how do i can you for to of in on at by with about
		and or but if when where why which who whom whose this that these those am are was were be been
		being have has had having does did doing will would should could may might must shall cannot`) {
		titleStopwords[w] = struct{}{}
	}
}

// DeriveTitle builds a chat title from the first user message. Messages that
// fit within config.MaxTitleLength are used as is; longer ones are reduced to
// their content words and suffixed with "...".
func DeriveTitle(content string) string {
	msg := strings.TrimSpace(content)
	msgLen := utf8.RuneCountInString(msg)
	if msgLen <= config.MaxTitleLength {
		return msg
	}

	var words []string
	for _, w := range strings.Fields(msg) {
		clean := strings.ToLower(strings.Map(keepWordRune, w))
		if _, stop := titleStopwords[clean]; len(clean) > 2 && !stop {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return truncateRunes(msg, config.MaxTitleLength) + "..."
	}

	var title string
	titleLen := 0
	for _, w := range words {
		wLen := utf8.RuneCountInString(w)
		if titleLen+wLen+1 > config.MaxTitleLength {
			break
		}
		if title != "" {
			title += " "
			titleLen++
		}
		title += w
		titleLen += wLen
	}
	if title == "" {
		title = truncateRunes(msg, config.MaxTitleLength)
		titleLen = config.MaxTitleLength
	}
	if titleLen < msgLen {
		title += "..."
	}
	return capitalizeFirst(title)
}

// keepWordRune keeps ASCII letters, digits and underscores.
func keepWordRune(r rune) rune {
	if r < utf8.RuneSelf && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return r
	}
	return -1
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
