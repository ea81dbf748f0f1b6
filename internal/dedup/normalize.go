// Package dedup decides whether a discovered company is already known,
// already analyzed, or already contacted before the pipeline spends money
// enriching it.
package dedup

import (
	"strings"
	"unicode"
)

// Normalizer produces the canonical identity forms used for matching.
// Websites lose scheme, www, and trailing slashes; company names lose
// case, punctuation, and trailing corporate suffixes.
type Normalizer struct {
	suffixes map[string]bool
}

// NewNormalizer builds a normalizer with the configured corporate
// suffix list (already lowercase, no punctuation).
func NewNormalizer(corporateSuffixes []string) *Normalizer {
	suffixes := make(map[string]bool, len(corporateSuffixes))
	for _, s := range corporateSuffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			suffixes[s] = true
		}
	}
	return &Normalizer{suffixes: suffixes}
}

// NormalizeWebsite canonicalizes a website for exact matching:
// "https://www.Acme.com/about/" and "acme.com/about" compare equal.
func (n *Normalizer) NormalizeWebsite(site string) string {
	s := strings.ToLower(strings.TrimSpace(site))
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, scheme)
	}
	s = strings.TrimPrefix(s, "www.")
	// Query strings and fragments never identify a business.
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, "/")
}

// NormalizeCompanyName canonicalizes a company name for exact matching:
// lowercase, punctuation stripped, whitespace collapsed, and trailing
// corporate suffixes removed ("Acme Plumbing, LLC" → "acme plumbing").
func (n *Normalizer) NormalizeCompanyName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '&':
			b.WriteRune(' ')
		}
		// Everything else (periods, commas, apostrophes) drops out.
	}
	words := strings.Fields(b.String())

	// Strip trailing suffixes repeatedly: "acme plumbing co llc" → "acme plumbing".
	for len(words) > 1 && n.suffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}
