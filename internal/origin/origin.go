// Package origin decides which browser origins may open /stream.
//
// The capture page is served by the relay itself, so the default policy is
// same-host: the Origin header must match the request's Host. A configured
// allowlist replaces that default for setups where a monitor page is hosted
// elsewhere.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy evaluates Origin headers on WebSocket upgrades.
type Policy struct {
	// Allowed entries are normalized origins (scheme://host[:port]) or "*".
	// Empty means same-host only.
	Allowed []string
}

// Allow reports whether a request with the given Origin header may upgrade.
// Requests without an Origin header (non-browser clients) are always allowed.
func (p Policy) Allow(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}

	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.Allowed) > 0 {
		for _, allowed := range p.Allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	if normalized == "null" {
		return false
	}
	// Scheme is not compared: behind a TLS-terminating proxy the request looks
	// like HTTP while the browser Origin says HTTPS.
	scheme := normalized[:strings.Index(normalized, ":")]
	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, plus the host[:port] portion. The special value
// "null" (sandboxed and file:// pages) is valid and returned as-is.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lowercases host[:port], brackets IPv6 literals, and strips a
// port that is the scheme's default.
func normalizeHost(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(raw)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || rest == ":" {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
