// Package testutil provides test fixtures for the console: a scripted socket
// server, a running development backend and polling helpers.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/lightforgemedia/xybot-console/internal/devbackend"
	"github.com/lightforgemedia/xybot-console/pkg/api"
	"golang.org/x/crypto/bcrypt"
)

// DefaultLogger logs at debug level to stderr.
var DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

// Credentials seeded into every TestBackend.
const (
	UserName      = "alice"
	UserPassword  = "wonderland"
	AdminName     = "root"
	AdminPassword = "toor"
)

// TestBackend is a development backend served over httptest.
type TestBackend struct {
	T       *testing.T
	Backend *devbackend.Backend
	Server  *httptest.Server
	// Origin is the console origin to hand to channel.New and api.New.
	Origin string
}

// NewTestBackend starts a backend with one user and one admin. It shuts
// down when the test ends.
func NewTestBackend(t *testing.T, opts ...devbackend.Option) *TestBackend {
	t.Helper()
	all := append([]devbackend.Option{
		devbackend.WithLogger(DefaultLogger),
		devbackend.WithBcryptCost(bcrypt.MinCost),
	}, opts...)
	b, err := devbackend.New(all...)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	if err := b.AddUser(UserName, UserPassword, "user"); err != nil {
		t.Fatalf("Failed to add user: %v", err)
	}
	if err := b.AddUser(AdminName, AdminPassword, "admin"); err != nil {
		t.Fatalf("Failed to add admin: %v", err)
	}

	srv := httptest.NewServer(b)
	tb := &TestBackend{T: t, Backend: b, Server: srv, Origin: srv.URL}
	t.Cleanup(tb.Close)
	return tb
}

// API returns a REST client for the backend.
func (tb *TestBackend) API(opts ...api.Option) *api.Client {
	tb.T.Helper()
	c, err := api.New(tb.Origin, append([]api.Option{api.WithLogger(DefaultLogger)}, opts...)...)
	if err != nil {
		tb.T.Fatalf("Failed to create API client: %v", err)
	}
	return c
}

// Login returns a fresh token for the seeded user.
func (tb *TestBackend) Login() string {
	tb.T.Helper()
	res, err := tb.API().Login(context.Background(), UserName, UserPassword)
	if err != nil {
		tb.T.Fatalf("Login failed: %v", err)
	}
	return res.Token
}

// Close stops the backend and its server.
func (tb *TestBackend) Close() {
	tb.Backend.Close()
	tb.Server.Close()
}
