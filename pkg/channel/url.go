package channel

import (
	"fmt"
	"net/url"
)

// DefaultPath is the backend's socket endpoint.
const DefaultPath = "/api/ws"

// BuildURL derives the socket URL from the console origin: wss for an https
// (or wss) origin, ws otherwise, the origin's host, the given path, and a
// token query parameter when token is non-empty.
func BuildURL(origin, path, token string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("channel: parse origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: origin %q has no host", origin)
	}
	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	if path == "" {
		path = DefaultPath
	}
	target := url.URL{Scheme: scheme, Host: u.Host, Path: path}
	if token != "" {
		target.RawQuery = url.Values{"token": []string{token}}.Encode()
	}
	return target.String(), nil
}
