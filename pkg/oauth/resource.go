package oauth

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"https": "443",
	"http":  "80",
}

// CanonicalizeResource returns the RFC 8707 canonical form of a resource URI.
//
// The scheme and host are lower-cased, a default port is dropped, a bare "/"
// path is removed, and the path and query are kept verbatim. URIs without a
// scheme or host, and URIs with a fragment, are rejected with
// ErrInvalidResourceURI. Canonicalizing a canonical URI returns it unchanged.
func CanonicalizeResource(uri string) (string, error) {
	raw := strings.TrimSpace(uri)
	if strings.Contains(raw, "#") {
		return "", fmt.Errorf("%w: %q contains a fragment", ErrInvalidResourceURI, uri)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResourceURI, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q must be absolute with a scheme and host", ErrInvalidResourceURI, uri)
	}

	scheme := strings.ToLower(u.Scheme)
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", fmt.Errorf("%w: %q has an empty host", ErrInvalidResourceURI, uri)
	}

	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host = net.JoinHostPort(hostname, port)
	}

	canonical := &url.URL{
		Scheme:     scheme,
		User:       u.User,
		Host:       host,
		Path:       u.Path,
		RawPath:    u.RawPath,
		RawQuery:   u.RawQuery,
		ForceQuery: u.ForceQuery,
	}
	if canonical.Path == "/" {
		canonical.Path = ""
		canonical.RawPath = ""
	}

	return canonical.String(), nil
}

// FormatResourceParameter returns the value to put in the "resource" request
// parameter for a canonical URI. The value is set on url.Values, which
// percent-encodes it when the request is serialized; no other transformation
// is applied.
func FormatResourceParameter(canonical string) string {
	return canonical
}

// ResourceMatches reports whether two resource URIs identify the same resource
// once canonicalized. Invalid URIs never match.
func ResourceMatches(a, b string) bool {
	ca, err := CanonicalizeResource(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalizeResource(b)
	if err != nil {
		return false
	}
	return ca == cb
}

// Origin returns scheme://host[:port] of a URL, lower-cased and without a
// default port.
func Origin(rawURL string) (string, error) {
	canonical, err := CanonicalizeResource(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}
