package oauth

import (
	"sort"
	"strings"
)

// authorizationHeader assembles the OAuth Authorization header value. The
// realm parameter leads and is never part of the signed parameter set; the
// remaining parameters are emitted sorted for stable output. Values are
// expected to be already in their final wire encoding (see the two
// signature-encoding functions in signer.go).
func authorizationHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm="`)
	b.WriteString(realm)
	b.WriteString(`"`)
	for _, k := range keys {
		b.WriteString(`, `)
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(params[k])
		b.WriteString(`"`)
	}
	return b.String()
}
