// Package api is the console's REST client for the backend's auth and status
// endpoints under /api.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

// ErrUnauthorized matches any *Error with status 401.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-2xx response. Message is the server's "error" field when
// present, otherwise a generic description of the call.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
}

// Is reports 401 responses as ErrUnauthorized.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// TokenSource supplies the bearer token attached to requests.
type TokenSource interface {
	Token() string
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Identity is the body of a token verification.
type Identity struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Client calls the backend REST API.
type Client struct {
	base           *url.URL
	http           *http.Client
	tokens         TokenSource
	onUnauthorized func()
	logger         *slog.Logger
}

// New returns a Client for the console origin, e.g. https://console.example.com.
func New(origin string, opts ...Option) (*Client, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("api: parse origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api: origin %q has no host", origin)
	}
	scheme := "http"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "https"
	}

	c := &Client{
		base:   &url.URL{Scheme: scheme, Host: u.Host, Path: "/api"},
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "api")
	return c, nil
}

// Login exchanges credentials for a token. A rejected login is returned as an
// *Error and does not trigger the unauthorized hook.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &out, "login failed")
	if err != nil {
		return LoginResult{}, err
	}
	if out.Token == "" {
		return LoginResult{}, &Error{StatusCode: http.StatusBadGateway, Message: "login response carried no token"}
	}
	return out, nil
}

// Logout revokes token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/logout", "", map[string]string{"token": token}, &out, "logout failed"); err != nil {
		return err
	}
	if !out.Success {
		c.logger.Info("Server reported token already revoked")
	}
	return nil
}

// Verify checks token and returns who it belongs to. An invalid token is
// an error matching ErrUnauthorized and does not trigger the unauthorized
// hook.
func (c *Client) Verify(ctx context.Context, token string) (Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodGet, "/auth/verify", token, nil, &out, "invalid token"); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// ChangePassword changes username's password.
func (c *Client) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	body := map[string]string{
		"username":    username,
		"oldPassword": oldPassword,
		"newPassword": newPassword,
	}
	return c.do(ctx, http.MethodPost, "/auth/change-password", "", body, nil, "password change failed")
}

// BotStatus fetches the bot status snapshot over REST.
func (c *Client) BotStatus(ctx context.Context) (wire.BotStatus, error) {
	var out wire.BotStatus
	err := c.do(ctx, http.MethodGet, "/bot/status", "", nil, &out, "bot status unavailable")
	return out, err
}

// do sends one request. token overrides the TokenSource for the
// Authorization header; fallback is the message used when the server gives
// none.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any, fallback string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	target := *c.base
	target.Path = strings.TrimSuffix(c.base.Path, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("api: build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token == "" && c.tokens != nil {
		token = c.tokens.Token()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("api: read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: fallback}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		c.logger.Warn("Request failed", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		if resp.StatusCode == http.StatusUnauthorized && expires(path) && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("api: decode %s response: %w", path, err)
		}
	}
	return nil
}

// expires reports whether a 401 from path means the session ended. Login and
// verify answer 401 about the credentials they were given; their callers
// decide what to do.
func expires(path string) bool {
	return path != "/auth/login" && path != "/auth/verify"
}
