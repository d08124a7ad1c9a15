package utils

import (
	"net/url"
	"strings"
)

func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimRight(e, "/")
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// FilterURLs splits urls into well-formed ones matching any of the given
// schemes and the rest. A URL with params, a fragment, or no hostname is
// rejected regardless of scheme.
func FilterURLs(urls []string, schemes ...string) (valid, invalid []string) {
	allowed := map[string]bool{}
	for _, s := range schemes {
		allowed[s] = true
	}
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil || !allowed[parsed.Scheme] || parsed.Hostname() == "" ||
			parsed.RawQuery != "" || parsed.Fragment != "" {
			invalid = append(invalid, u)
			continue
		}
		valid = append(valid, u)
	}
	return valid, invalid
}

// SupportedScheme reports whether raw parses as a URL with one of the given schemes.
func SupportedScheme(raw string, schemes ...string) bool {
	v, _ := FilterURLs([]string{raw}, schemes...)
	return len(v) == 1
}
