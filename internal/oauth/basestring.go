package oauth

import (
	"sort"
	"strings"
)

// doubleEncodingFixes are literal corrections the server expects: separator
// characters that end up doubly encoded in the base string must be collapsed
// back to their singly-encoded form or the signature will not verify.
var doubleEncodingFixes = strings.NewReplacer(
	"%257C", "%7C", // |
	"%252C", "%2C", // ,
	"%253A", "%3A", // :
)

// BaseString builds the OAuth 1.0a signature base string for a request.
// params must not contain the realm parameter. prepend, when non-empty, is
// prefixed verbatim; it carries the hex-encoded decrypted token secret used
// only by the live session token step.
func BaseString(method, rawURL string, params map[string]string, prepend string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs strings.Builder
	for i, k := range keys {
		if i > 0 {
			pairs.WriteByte('&')
		}
		pairs.WriteString(k)
		pairs.WriteByte('=')
		pairs.WriteString(percentEncode(params[k]))
	}

	var b strings.Builder
	b.WriteString(prepend)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('&')
	b.WriteString(percentEncode(rawURL))
	b.WriteByte('&')
	b.WriteString(percentEncode(pairs.String()))

	return doubleEncodingFixes.Replace(b.String())
}

const upperhex = "0123456789ABCDEF"

// percentEncode applies RFC 3986 percent-encoding with only the unreserved
// set (ALPHA / DIGIT / "-" / "." / "_" / "~") left bare. Reserved characters
// such as '/', ':' and ',' are always encoded.
func percentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xF])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
