package registryauth

import (
	"strings"

	"github.com/pkg/errors"
)

// challenge is the parsed form of a WWW-Authenticate response header.
type challenge struct {
	Scheme string
	Realm  string
	Service string
	Scope  string
}

// parseChallenge parses a "Bearer realm=\"...\",service=\"...\",scope=\"...\""
// or "Basic realm=\"...\"" header value per spec.md §4.B.
func parseChallenge(header string) (challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return challenge{}, errors.New("registryauth: empty WWW-Authenticate header")
	}

	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return challenge{}, errors.Errorf("registryauth: malformed WWW-Authenticate header %q", header)
	}
	c := challenge{Scheme: header[:sp]}

	params := header[sp+1:]
	for _, part := range splitParams(params) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}

	if c.Scheme == "Bearer" && c.Realm == "" {
		return challenge{}, errors.Errorf("registryauth: bearer challenge missing realm: %q", header)
	}
	return c, nil
}

// splitParams splits a comma-separated list of key="value" pairs, respecting
// commas embedded inside quoted values (scopes can contain several
// comma-separated repo:actions entries quoted as one parameter already
// handled by the caller; this only needs to split top-level params).
func splitParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// fingerprint is the cache key for a challenge: scheme plus a stable
// concatenation of its parameters, matching spec.md §4.B's
// "{scheme, params-hash}" cache key.
func (c challenge) fingerprint() string {
	return c.Scheme + "|" + c.Realm + "|" + c.Service + "|" + c.Scope
}
