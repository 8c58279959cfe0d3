package oauth

import (
	"net/http"
	"strings"
)

// Challenge is one authentication challenge of a WWW-Authenticate header.
type Challenge struct {
	// Scheme is the authentication scheme as sent, e.g. "Bearer".
	Scheme string

	// Params holds the parameters with lower-cased names and unquoted values.
	Params map[string]string

	// Order preserves the parameter names in the order they appeared.
	Order []string
}

// Param returns a parameter value, or "" if absent.
func (c *Challenge) Param(name string) string {
	if c == nil {
		return ""
	}
	return c.Params[strings.ToLower(name)]
}

// ResourceMetadata returns the RFC 9728 resource_metadata URL, if any.
func (c *Challenge) ResourceMetadata() string { return c.Param("resource_metadata") }

// Scope returns the scope requested by the resource server, if any.
func (c *Challenge) Scope() string { return c.Param("scope") }

// ErrorCode returns the RFC 6750 error code, if any.
func (c *Challenge) ErrorCode() string { return c.Param("error") }

// IsBearer reports whether the challenge uses the Bearer scheme.
func (c *Challenge) IsBearer() bool {
	return c != nil && strings.EqualFold(c.Scheme, "Bearer")
}

// ParseChallenges parses a WWW-Authenticate header value into its challenges.
// It handles quoted and unquoted values, backslash escapes inside quotes,
// and several challenges in one header.
//
// Example headers:
//
//	Bearer realm="mcp-server", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource/mcp"
//	Basic realm="legacy", Bearer scope="files:read", error=invalid_token
func ParseChallenges(header string) []Challenge {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var challenges []Challenge
	remaining := header
	for remaining != "" {
		remaining = strings.TrimLeft(strings.TrimSpace(remaining), ",")
		remaining = strings.TrimSpace(remaining)
		if remaining == "" {
			break
		}

		scheme, rest := extractToken(remaining)
		if scheme == "" {
			// Not a token where a scheme must start: the header is malformed.
			return challenges
		}
		if strings.HasPrefix(strings.TrimSpace(rest), "=") {
			// A parameter without a scheme in front of it.
			return challenges
		}

		ch := Challenge{Scheme: scheme, Params: make(map[string]string)}
		var ok bool
		remaining, ok = parseParams(strings.TrimSpace(rest), &ch)
		if !ok {
			ch.Params = map[string]string{}
			ch.Order = nil
			challenges = append(challenges, ch)
			return challenges
		}
		challenges = append(challenges, ch)
	}

	return challenges
}

// ParseBearerChallenge returns the parameters of the Bearer challenge in
// header. Malformed headers and headers without a Bearer challenge yield an
// empty, non-nil map so discovery can fall through to well-known probing.
func ParseBearerChallenge(header string) map[string]string {
	if ch := FindBearerChallenge(ParseChallenges(header)); ch != nil {
		return ch.Params
	}
	return map[string]string{}
}

// FindBearerChallenge returns the first Bearer challenge, or nil.
func FindBearerChallenge(challenges []Challenge) *Challenge {
	for i := range challenges {
		if challenges[i].IsBearer() {
			return &challenges[i]
		}
	}
	return nil
}

// ParseBearerChallengeFromResponse extracts the Bearer challenge from a 401 response.
// Returns nil if the response is not a 401 or carries no Bearer challenge.
func ParseBearerChallengeFromResponse(resp *http.Response) *Challenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	for _, header := range resp.Header.Values("WWW-Authenticate") {
		if ch := FindBearerChallenge(ParseChallenges(header)); ch != nil {
			return ch
		}
	}
	return nil
}

// Is401Error reports whether err, typically from a client library that does
// not expose the HTTP response, describes a 401 Unauthorized response.
func Is401Error(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") ||
		strings.Contains(strings.ToLower(msg), "unauthorized")
}

// extractToken returns the next token (up to whitespace, comma or '=') and the rest.
func extractToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != ',' && s[i] != '=' && s[i] != '"' {
		i++
	}
	return s[:i], s[i:]
}

// parseParams consumes comma-separated key=value pairs for ch and returns
// whatever follows them, which starts the next challenge if non-empty.
// It returns false when the parameter list is malformed.
func parseParams(s string, ch *Challenge) (string, bool) {
	for {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", true
		}
		if s[0] == ',' {
			s = s[1:]
			continue
		}

		key, rest := extractToken(s)
		if key == "" {
			return "", false
		}

		rest = strings.TrimSpace(rest)
		if rest == "" || rest[0] != '=' {
			// key is the scheme of the next challenge.
			return s, true
		}

		rest = strings.TrimSpace(rest[1:])

		var value string
		if rest != "" && rest[0] == '"' {
			var closed bool
			value, rest, closed = extractQuotedString(rest)
			if !closed {
				return "", false
			}
		} else {
			value, rest = extractParamValue(rest)
			if value == "" {
				return "", false
			}
		}

		name := strings.ToLower(key)
		if _, dup := ch.Params[name]; !dup {
			ch.Order = append(ch.Order, name)
		}
		ch.Params[name] = value

		rest = strings.TrimSpace(rest)
		if rest != "" && rest[0] != ',' {
			return "", false
		}
		s = rest
	}
}

// extractQuotedString reads a double-quoted string starting at s[0].
// The third result is false if the closing quote is missing.
func extractQuotedString(s string) (string, string, bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:], true
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), "", false
}

// extractParamValue reads an unquoted value up to a comma or whitespace.
func extractParamValue(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] != ',' && s[i] != ' ' && s[i] != '\t' {
		i++
	}
	return s[:i], s[i:]
}
