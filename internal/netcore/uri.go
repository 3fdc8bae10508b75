package netcore

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// URIParts are the named components accepted by BuildURI.
type URIParts struct {
	Protocol string
	Host     string
	Port     int
	Route    string
	Data     map[string]string
	Fragment string
}

// BuildURI canonicalizes parts into "proto://host:port/route?k=v&...#frag",
// emitting only non-empty components and ensuring a "/" separates
// host:port from route.
func BuildURI(p URIParts) string {
	var b strings.Builder

	if p.Protocol != "" {
		b.WriteString(p.Protocol)
		b.WriteString("://")
	}

	if p.Host != "" {
		b.WriteString(p.Host)
		if p.Port > 0 {
			b.WriteString(fmt.Sprintf(":%d", p.Port))
		}
	}

	if p.Route != "" {
		if p.Host != "" && !strings.HasPrefix(p.Route, "/") {
			b.WriteString("/")
		}
		b.WriteString(p.Route)
	}

	if len(p.Data) > 0 {
		b.WriteString("?")
		b.WriteString(encodeQueryString(p.Data))
	}

	if p.Fragment != "" {
		b.WriteString("#")
		b.WriteString(p.Fragment)
	}

	return b.String()
}

// encodeQueryString renders m as "k=v&k2=v2" in a deterministic order
// so BuildURI output is reproducible for tests and logs.
func encodeQueryString(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(m[k])))
	}
	return strings.Join(pairs, "&")
}

// ParseQueryString splits s on "&" then each token on "=". A token with
// no "=" maps to the empty string. Duplicate keys: last one wins.
func ParseQueryString(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}

	for _, token := range strings.Split(s, "&") {
		if token == "" {
			continue
		}
		key, value, hasValue := strings.Cut(token, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			k = key
		}
		v := ""
		if hasValue {
			if decoded, err := url.QueryUnescape(value); err == nil {
				v = decoded
			} else {
				v = value
			}
		}
		out[k] = v
	}
	return out
}
