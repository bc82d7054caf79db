package engine

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"highlight/internal/storage"
)

// Platform mention tokens (<@123>, <@!123>, <#123>, <@&123>, <a:name:123>)
// never count as keyword text: matching inside them would fire on raw IDs.
var mentionPattern = regexp.MustCompile(`<(@!?|&|#|a?:[a-zA-Z0-9_]*:)[0-9]+>`)

// MatchKeywords returns the subset of one user's keywords that occur in the
// lowercased message content, in input order. If any of the user's ignore
// phrases occurs in the content, nothing matches: ignore always wins.
//
// The function is deterministic and side-effect-free; it is safe to call
// concurrently over the same snapshot.
func MatchKeywords(content string, keywords []storage.Keyword, ignores []storage.Ignore) []storage.Keyword {
	for _, ig := range ignores {
		if KeywordMatches(ig.Phrase, content) {
			return nil
		}
	}

	var matched []storage.Keyword
	for _, kw := range keywords {
		if KeywordMatches(kw.Keyword, content) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// KeywordMatches reports whether keyword occurs in content. Both are expected
// to be lowercase. Three modes, mirroring how users write keywords:
//
//   - a keyword containing whitespace matches as a whole phrase with word
//     boundaries on both sides
//   - a keyword containing other non-word runes matches as a plain substring
//     (there is no meaningful word boundary for "$bar")
//   - a plain alphanumeric keyword must equal a maximal word-rune fragment,
//     so "cat" never matches inside "category"
func KeywordMatches(keyword, content string) bool {
	keyword = strings.ToLower(keyword)
	if keyword == "" || content == "" {
		return false
	}

	mentions := mentionSpans(content)

	switch {
	case strings.IndexFunc(keyword, unicode.IsSpace) >= 0:
		return anySpan(phraseSpans(keyword, content), mentions)
	case strings.IndexFunc(keyword, func(r rune) bool { return !isWordRune(r) }) >= 0:
		return anySpan(substringSpans(keyword, content), mentions)
	default:
		return anySpan(fragmentSpans(keyword, content), mentions)
	}
}

// isWordRune treats letters, digits, and underscore as word characters.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

type span struct{ start, end int }

func (a span) overlaps(b span) bool { return a.start <= b.end && a.end >= b.start }

func mentionSpans(content string) []span {
	idx := mentionPattern.FindAllStringIndex(content, -1)
	if len(idx) == 0 {
		return nil
	}
	spans := make([]span, len(idx))
	for i, m := range idx {
		spans[i] = span{start: m[0], end: m[1]}
	}
	return spans
}

// anySpan reports whether at least one candidate does not overlap a mention.
func anySpan(candidates, mentions []span) bool {
	for _, c := range candidates {
		ok := true
		for _, m := range mentions {
			if c.overlaps(m) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// phraseSpans finds whole-phrase occurrences with boundary runes on both sides.
func phraseSpans(keyword, content string) []span {
	var spans []span
	for i := 0; ; {
		pos := strings.Index(content[i:], keyword)
		if pos < 0 {
			break
		}
		pos += i
		end := pos + len(keyword)
		if boundaryBefore(content, pos) && boundaryAfter(content, end) {
			spans = append(spans, span{start: pos, end: end})
		}
		i = pos + 1
	}
	return spans
}

// substringSpans finds plain substring occurrences (non-word keywords).
func substringSpans(keyword, content string) []span {
	var spans []span
	for i := 0; ; {
		pos := strings.Index(content[i:], keyword)
		if pos < 0 {
			break
		}
		pos += i
		spans = append(spans, span{start: pos, end: pos + len(keyword)})
		i = pos + 1
	}
	return spans
}

// fragmentSpans finds maximal word-rune fragments equal to the keyword.
func fragmentSpans(keyword, content string) []span {
	var spans []span
	start := -1
	for i, r := range content {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if content[start:i] == keyword {
				spans = append(spans, span{start: start, end: i})
			}
			start = -1
		}
	}
	if start >= 0 && content[start:] == keyword {
		spans = append(spans, span{start: start, end: len(content)})
	}
	return spans
}

func boundaryBefore(content string, pos int) bool {
	if pos == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(content[:pos])
	return !isWordRune(r)
}

func boundaryAfter(content string, end int) bool {
	if end >= len(content) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(content[end:])
	return !isWordRune(r)
}
