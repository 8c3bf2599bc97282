package upnp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ProductToken is a single "<token>/<version>" element of a SERVER or
// USER-AGENT header.
type ProductToken struct {
	Token   string
	Version string
}

// NewProductToken creates a product token. Both parts are whitespace
// trimmed; a token with an empty part is invalid.
func NewProductToken(token, version string) ProductToken {
	token = strings.TrimSpace(token)
	version = strings.TrimSpace(version)
	if token == "" || version == "" {
		return ProductToken{}
	}
	return ProductToken{Token: token, Version: version}
}

// IsValid reports whether both parts are non-empty.
func (t ProductToken) IsValid() bool {
	return t.Token != "" && t.Version != ""
}

// IsUPnPToken reports whether the token is a conforming UPnP version
// token: "UPnP" (case-insensitive) with version 1.0 or 1.1.
func (t ProductToken) IsUPnPToken() bool {
	if !strings.EqualFold(t.Token, "UPnP") {
		return false
	}
	return t.Version == "1.0" || t.Version == "1.1"
}

// MajorVersion returns the integer before the first dot of the version, or
// -1 when it cannot be parsed.
func (t ProductToken) MajorVersion() int {
	if !t.IsValid() {
		return -1
	}
	major, _, _ := strings.Cut(t.Version, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return -1
	}
	return n
}

// MinorVersion returns the integer between the first and second dot of the
// version, or -1 when it cannot be parsed.
func (t ProductToken) MinorVersion() int {
	if !t.IsValid() {
		return -1
	}
	_, rest, found := strings.Cut(t.Version, ".")
	if !found {
		return -1
	}
	minor, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(minor)
	if err != nil {
		return -1
	}
	return n
}

// String returns "<token>/<version>", or the empty string for an invalid
// token.
func (t ProductToken) String() string {
	if !t.IsValid() {
		return ""
	}
	return fmt.Sprintf("%s/%s", t.Token, t.Version)
}

var upnpTokenPattern = regexp.MustCompile(`(?i)(?:\A|\s)UPnP/(\S+)`)

// ProductTokens is the ordered token sequence of a SERVER or USER-AGENT
// header. A conforming value has at least three tokens with the second
// being the UPnP version token, but deployed devices are sloppy: parsing
// first attempts strict UDA tokenization, then a comma-stripped retry, and
// finally falls back to extracting only the UPnP token by pattern match.
type ProductTokens struct {
	original string
	tokens   []ProductToken
	// nonStandard is set when the value only parsed through one of the
	// tolerant fallbacks.
	nonStandard bool
}

// NewProductTokens composes a conforming token sequence, typically
// os token + UPnP token + product token.
func NewProductTokens(tokens ...ProductToken) ProductTokens {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.String())
	}
	return ProductTokens{original: strings.Join(parts, " "), tokens: tokens}
}

// ParseProductTokens parses a SERVER or USER-AGENT header value.
func ParseProductTokens(s string) ProductTokens {
	original := strings.Join(strings.Fields(s), " ")
	pt := ProductTokens{original: original}

	if tokens, ok := tokenize(original); ok {
		pt.tokens = tokens
		return pt
	}

	// Some deployed implementations delimit with commas. Technically a
	// comma could be part of a version, but in practice it is a delimiter.
	if strings.Contains(original, ",") {
		if tokens, ok := tokenize(strings.ReplaceAll(original, ",", "")); ok {
			pt.tokens = tokens
			pt.nonStandard = true
			return pt
		}
	}

	// Fall back to scanning for the UPnP token only.
	if m := upnpTokenPattern.FindStringSubmatch(original); m != nil {
		version := strings.TrimRight(m[1], ",")
		token := NewProductToken("UPnP", version)
		if token.IsUPnPToken() {
			pt.tokens = []ProductToken{token}
			pt.nonStandard = true
		}
	}
	return pt
}

// tokenize splits a whitespace-delimited token string into token/version
// pairs. A pair may carry trailing data (such as parenthesized comments)
// up to the last delimiter before the next pair's slash.
func tokenize(s string) ([]ProductToken, bool) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return nil, false
	}

	var tokens []ProductToken
	token := s[:i]
	var buf strings.Builder
	lastDelim := -1

	for _, r := range s[i+1:] {
		switch r {
		case '/':
			if lastDelim < 0 {
				// Two slashes with no space between pairs.
				return nil, false
			}
			next := NewProductToken(token, buf.String()[:lastDelim])
			if !next.IsValid() {
				return nil, false
			}
			tokens = append(tokens, next)
			token = buf.String()[lastDelim+1:]
			buf.Reset()
			lastDelim = -1
		case ' ':
			lastDelim = buf.Len()
			buf.WriteRune(r)
		default:
			buf.WriteRune(r)
		}
	}

	last := NewProductToken(token, buf.String())
	if !last.IsValid() {
		return nil, false
	}
	tokens = append(tokens, last)

	if len(tokens) < 3 || !tokens[1].IsUPnPToken() {
		return nil, false
	}
	return tokens, true
}

// IsValid reports whether at least the UPnP token was recovered.
func (p ProductTokens) IsValid() bool { return len(p.tokens) > 0 }

// IsEmpty reports whether the original value was empty.
func (p ProductTokens) IsEmpty() bool { return p.original == "" }

// IsNonStandard reports whether the value parsed only through a tolerant
// fallback.
func (p ProductTokens) IsNonStandard() bool { return p.nonStandard }

// Tokens returns the parsed tokens in order.
func (p ProductTokens) Tokens() []ProductToken {
	out := make([]ProductToken, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// OSToken returns the operating-system token of a conforming value.
func (p ProductTokens) OSToken() ProductToken {
	if len(p.tokens) < 3 {
		return ProductToken{}
	}
	return p.tokens[0]
}

// UPnPToken returns the UPnP version token. For a value recovered through
// the regex fallback this is the only token present.
func (p ProductTokens) UPnPToken() ProductToken {
	switch {
	case len(p.tokens) == 0:
		return ProductToken{}
	case len(p.tokens) == 1:
		return p.tokens[0]
	default:
		return p.tokens[1]
	}
}

// ProductToken returns the product token of a conforming value.
func (p ProductTokens) ProductToken() ProductToken {
	if len(p.tokens) < 3 {
		return ProductToken{}
	}
	return p.tokens[2]
}

// ExtraTokens returns any tokens beyond the first three.
func (p ProductTokens) ExtraTokens() []ProductToken {
	if len(p.tokens) <= 3 {
		return nil
	}
	out := make([]ProductToken, len(p.tokens)-3)
	copy(out, p.tokens[3:])
	return out
}

// String returns the original, whitespace-normalized value.
func (p ProductTokens) String() string { return p.original }
