// Package locale negotiates the response language for a request from the
// Accept-Language header and explicit overrides.
package locale

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// DefaultLocale is used when negotiation finds no acceptable match
const DefaultLocale = "en-US"

// Negotiator matches requested languages against the configured
// supported set. Safe for concurrent use after construction.
type Negotiator struct {
	supported []language.Tag
	canonical []string
	matcher   language.Matcher
	fallback  string
}

// NewNegotiator builds a negotiator for the given BCP-47 tags. The
// fallback must be a member of the supported set; when supported is empty
// the negotiator serves only the fallback.
func NewNegotiator(supported []string, fallback string) (*Negotiator, error) {
	if fallback == "" {
		fallback = DefaultLocale
	}
	fbTag, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback locale %q: %w", fallback, err)
	}

	// The fallback goes first so the matcher lands on it when nothing
	// else is acceptable.
	tags := []language.Tag{fbTag}
	canon := []string{fbTag.String()}
	for _, s := range supported {
		tag, err := language.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid supported locale %q: %w", s, err)
		}
		if tag.String() == fbTag.String() {
			continue
		}
		tags = append(tags, tag)
		canon = append(canon, tag.String())
	}

	return &Negotiator{
		supported: tags,
		canonical: canon,
		matcher:   language.NewMatcher(tags),
		fallback:  fbTag.String(),
	}, nil
}

// Negotiate resolves the locale for a request. The override (X-User-Locale
// header or locale query parameter) wins when it names a supported tag;
// otherwise Accept-Language is parsed per RFC 9110 and matched by quality.
// Invalid tags are ignored rather than rejected.
func (n *Negotiator) Negotiate(acceptLanguage, override string) string {
	if override != "" {
		if canonical, ok := n.lookup(override); ok {
			return canonical
		}
	}

	if acceptLanguage == "" {
		return n.fallback
	}
	desired, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(desired) == 0 {
		return n.fallback
	}

	_, idx, conf := n.matcher.Match(desired...)
	if conf == language.No {
		return n.fallback
	}
	return n.canonical[idx]
}

// Supported returns the canonical supported tags, fallback first
func (n *Negotiator) Supported() []string {
	out := make([]string, len(n.canonical))
	copy(out, n.canonical)
	return out
}

// Default returns the fallback tag
func (n *Negotiator) Default() string {
	return n.fallback
}

// lookup canonicalises the tag and checks membership in the supported set
func (n *Negotiator) lookup(raw string) (string, bool) {
	tag, err := language.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	want := tag.String()
	for _, c := range n.canonical {
		if strings.EqualFold(c, want) {
			return c, true
		}
	}
	return "", false
}
