package netcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildURI(t *testing.T) {
	uri := BuildURI(URIParts{
		Protocol: "ws",
		Host:     "localhost",
		Port:     5555,
		Route:    "/servers",
	})
	assert.Equal(t, "ws://localhost:5555/servers", uri)
}

func TestBuildURI_OmitsEmptyComponents(t *testing.T) {
	uri := BuildURI(URIParts{Host: "localhost", Route: "/list"})
	assert.Equal(t, "localhost/list", uri)
}

func TestBuildURI_EnsuresSlashBeforeRoute(t *testing.T) {
	uri := BuildURI(URIParts{Protocol: "http", Host: "localhost", Port: 8080, Route: "list"})
	assert.Equal(t, "http://localhost:8080/list", uri)
}

func TestBuildURI_QueryAndFragment(t *testing.T) {
	uri := BuildURI(URIParts{
		Protocol: "http",
		Host:     "localhost",
		Port:     80,
		Route:    "/list",
		Data:     map[string]string{"b": "2", "a": "1"},
		Fragment: "top",
	})
	assert.Equal(t, "http://localhost:80/list?a=1&b=2#top", uri)
}

func TestParseQueryString(t *testing.T) {
	got := ParseQueryString("a=1&b=2")
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)
}

func TestParseQueryString_EmptyValueOnMissingEquals(t *testing.T) {
	got := ParseQueryString("flag&a=1")
	assert.Equal(t, "", got["flag"])
	assert.Equal(t, "1", got["a"])
}

func TestParseQueryString_DuplicateKeysLastWins(t *testing.T) {
	got := ParseQueryString("a=1&a=2")
	assert.Equal(t, "2", got["a"])
}

func TestParseQueryString_Empty(t *testing.T) {
	assert.Equal(t, map[string]string{}, ParseQueryString(""))
}

func TestBuildURI_ParseQueryString_RoundTrip(t *testing.T) {
	data := map[string]string{"service": "svc-a", "region": "eu-west"}
	uri := BuildURI(URIParts{Protocol: "http", Host: "h", Port: 1, Route: "/x", Data: data})

	_, query, found := cutQuery(uri)
	assert.True(t, found)
	assert.Equal(t, data, ParseQueryString(query))
}

func cutQuery(uri string) (string, string, bool) {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			for j := i + 1; j < len(uri); j++ {
				if uri[j] == '#' {
					return uri[:i], uri[i+1 : j], true
				}
			}
			return uri[:i], uri[i+1:], true
		}
	}
	return uri, "", false
}
