package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled patterns for spam detection. These are compiled once at package
// init and reused for every call, so they are safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with a
	// common TLD. The bare-domain variant requires a trailing "/" to avoid
	// false positives on version strings like "v2.0".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches common phone number formats, anchored to
	// whitespace/string boundaries so short numbers like "100" pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck pairs a detection function with the name reported in flags.
type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks is the ordered list applied by checkSpamPatterns. For Check the
// first match wins; Screen applies all of them.
var spamChecks = []spamCheck{
	{name: "url", match: func(text string) bool { return urlPattern.MatchString(text) }},
	{name: "phone", match: func(text string) bool { return phonePattern.MatchString(text) }},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
	{name: "caps", match: isShouting},
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. RE2 has no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively, case-insensitive.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// isShouting returns true when a body of at least 12 letters is more than
// 80% uppercase. Short bodies are ignored so "OK" and "LOL" pass.
func isShouting(text string) bool {
	const minLetters = 12

	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < minLetters {
		return false
	}
	return upper*5 > letters*4
}

// checkSpamPatterns runs every spam check against text and returns a
// blocking FilterResult on the first match.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: "spam_pattern", Term: sc.name}
		}
	}
	return FilterResult{}
}
