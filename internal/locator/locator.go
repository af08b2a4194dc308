// Package locator resolves resource specifiers against the location the
// application is deployed under.
//
// Every request the client makes (config.json, storage endpoints) goes through
// Resolve so that a deployment under a sub-path such as
// https://example.github.io/open-td/ behaves the same as one at a domain root.
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidBase = errors.New("invalid base location")

// Resolve turns resource into a fully qualified URL.
//
// A resource with a scheme is returned unchanged. A resource starting with "/" is
// resolved against the origin of base. Anything else is resolved against the
// directory of base: the last path segment of base is dropped unless base
// ends with "/".
func Resolve(base, resource string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(resource))
	if err != nil {
		return "", fmt.Errorf("parse resource %q: %w", resource, err)
	}
	if ref.Scheme != "" {
		return strings.TrimSpace(resource), nil
	}

	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidBase, base)
	}
	baseURL.RawQuery = ""
	baseURL.Fragment = ""

	return baseURL.ResolveReference(ref).String(), nil
}

// Join appends suffix to root with exactly one slash between them.
func Join(root, suffix string) string {
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(suffix, "/")
}

// Endpoint resolves root against base and appends route. An empty root means
// the directory of base.
func Endpoint(base, root, route string) (string, error) {
	if strings.TrimSpace(root) == "" {
		root = "./"
	}
	resolved, err := Resolve(base, root)
	if err != nil {
		return "", err
	}
	return Join(resolved, route), nil
}

// WithQuery appends name=value to rawURL. The value is encoded as a URI
// component: a space becomes %20, and "/", "?", "&" and "#" are escaped.
func WithQuery(rawURL, name, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + EscapeComponent(name) + "=" + EscapeComponent(value)
}

// EscapeComponent percent-encodes value as a URI component, with a space as
// %20. It escapes more than encodeURIComponent: "!'()*" are encoded too.
func EscapeComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
