package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultKeywords is the built-in keyword policy used when no policy file is
// configured.
var DefaultKeywords = []string{
	"saskatchewan",
	"sask",
	"saskatoon",
	"regina",
	"yxe",
	"yqr",
	"moose jaw",
	"prince albert",
	"swift current",
	"north battleford",
	"yorkton",
	"estevan",
	"weyburn",
	"lloydminster",
	"la ronge",
	"flatlander",
	"flatlanders",
	"roughriders",
	"rider nation",
	"skpoli",
	"sktech",
}

// KeywordPolicy matches post text against a set of whole-word,
// case-insensitive terms.
type KeywordPolicy struct {
	terms   []string
	pattern *regexp.Regexp
}

// NewKeywordPolicy compiles the given terms. At least one non-blank term is
// required.
func NewKeywordPolicy(terms []string) (*KeywordPolicy, error) {
	escaped := make([]string, 0, len(terms))
	kept := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		kept = append(kept, term)
		escaped = append(escaped, regexp.QuoteMeta(term))
	}
	if len(escaped) == 0 {
		return nil, fmt.Errorf("keyword policy: at least one keyword is required")
	}

	expr := `(?i)\b(?:` + strings.Join(escaped, "|") + `)\b`
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("keyword policy: compile pattern: %w", err)
	}

	return &KeywordPolicy{terms: kept, pattern: pattern}, nil
}

// Match reports whether text contains any of the policy's terms as a whole
// word.
func (p *KeywordPolicy) Match(text string) bool {
	if text == "" {
		return false
	}
	return p.pattern.MatchString(text)
}

// Terms returns the policy's terms.
func (p *KeywordPolicy) Terms() []string {
	return append([]string(nil), p.terms...)
}
