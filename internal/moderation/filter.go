// Package moderation provides content screening and the moderation action
// coordinator. Screening stamps flags on inbound messages so moderators can
// filter on them; the coordinator applies delete/timeout/flag actions with
// optimistic local effect and rollback on backend failure.
package moderation

import "strings"

// FilterResult is the outcome of screening one message body.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_term" or "spam_pattern"
	Term    string // the matched term or pattern name
}

// defaultTerms is the built-in blocked-term list. Deployments extend it via
// configuration; the built-ins cover the terms the platform always flags.
var defaultTerms = []string{
	"buy followers",
	"free money",
	"click here",
	"onlyfans.com",
	"send nudes",
}

// Filter screens message bodies against a blocked-term list and a set of
// spam-pattern heuristics. It is immutable after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{} // single blocked words, lowercase
	phrases []string            // multi-word blocked phrases, lowercase
}

// NewFilter creates a Filter with the built-in term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter with a custom term list. Terms
// containing whitespace are matched as substrings; single words are matched
// against word boundaries so "class" does not trip a blocked "ass".
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.ContainsRune(t, ' ') {
			f.phrases = append(f.phrases, t)
		} else {
			f.words[t] = struct{}{}
		}
	}
	return f
}

// Check screens a message body. The first matching check wins: blocked terms
// are checked before spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if r := f.checkTerms(text); r.Blocked {
		return r
	}
	return f.checkSpamPatterns(text)
}

// Screen returns the moderation flags for a message body: at most one
// blocked-term flag plus every spam pattern that matches. Unlike Check it
// does not short-circuit, so a body that is both a URL and a char flood
// carries both flags.
func (f *Filter) Screen(text string) []string {
	var flags []string

	if r := f.checkTerms(text); r.Blocked {
		flags = append(flags, r.Reason+":"+r.Term)
	}
	for _, sc := range spamChecks {
		if sc.match(text) {
			flags = append(flags, "spam:"+sc.name)
		}
	}
	return flags
}

func (f *Filter) checkTerms(text string) FilterResult {
	lower := strings.ToLower(text)
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: p}
		}
	}
	for _, w := range fieldsLower(lower) {
		if _, ok := f.words[w]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_term", Term: w}
		}
	}
	return FilterResult{}
}

// fieldsLower splits an already-lowercased body into words, trimming common
// punctuation so "spam!" matches a blocked "spam".
func fieldsLower(lower string) []string {
	fields := strings.Fields(lower)
	out := fields[:0]
	for _, w := range fields {
		w = strings.Trim(w, ".,!?;:'\"()[]{}")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
