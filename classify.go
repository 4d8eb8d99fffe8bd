package offlineshell

import (
	"net/http"
	"strings"
)

// PolicyClass is the request class a caching strategy is selected by.
type PolicyClass string

const (
	ClassAPI     PolicyClass = "api"
	ClassImage   PolicyClass = "image"
	ClassAsset   PolicyClass = "asset"
	ClassHTML    PolicyClass = "html"
	ClassDefault PolicyClass = "default"
)

// Classifier maps a request to its PolicyClass based on path prefixes and
// the Accept header. Classification is pure and deterministic; it is
// computed once per request.
type Classifier struct {
	APIPrefix    string
	ImagesPrefix string
	AssetsPrefix string
}

// DefaultClassifier matches the conventional app layout.
func DefaultClassifier() Classifier {
	return Classifier{
		APIPrefix:    "/api/",
		ImagesPrefix: "/images/",
		AssetsPrefix: "/assets/",
	}
}

// Classify returns the policy class for a request, or ok=false when the
// request must bypass the dispatcher entirely (any non-GET method).
// Rules apply in priority order: API prefix, images prefix, assets prefix,
// HTML Accept header, default.
func (c Classifier) Classify(method, path, accept string) (PolicyClass, bool) {
	if method != http.MethodGet {
		return "", false
	}
	switch {
	case strings.HasPrefix(path, c.APIPrefix):
		return ClassAPI, true
	case strings.HasPrefix(path, c.ImagesPrefix):
		return ClassImage, true
	case strings.HasPrefix(path, c.AssetsPrefix):
		return ClassAsset, true
	case strings.Contains(accept, "text/html"):
		return ClassHTML, true
	default:
		return ClassDefault, true
	}
}
