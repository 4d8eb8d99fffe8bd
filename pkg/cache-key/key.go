package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMethodNotSupported = fmt.Errorf("method not supported for caching")

// FromRequest returns the cache key identifying a request within a namespace.
// Only GET requests are cacheable; the key is the request URI (path plus
// query), so that the same resource hits the same key regardless of the
// host the gateway happens to be reached on.
func FromRequest(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrMethodNotSupported
	}
	return Normalize(r.URL.RequestURI()), nil
}

// FromURL returns the cache key for a raw URL string, as used by the precache
// manifest and the update-assets control message.
func FromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	return Normalize(u.RequestURI()), nil
}

// Normalize canonicalizes a request URI so that equivalent spellings map to
// one key. Keys are unique within a namespace.
func Normalize(uri string) string {
	if uri == "" {
		return "/"
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	// treat a bare trailing "?" as no query at all
	return strings.TrimSuffix(uri, "?")
}
