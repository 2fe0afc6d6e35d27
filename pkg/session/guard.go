// Package session ties sign-in state to the real-time channel: signing in
// opens the channel with the new token, signing out or a server-side expiry
// closes it and forgets the credentials, and navigation to protected routes
// is checked against the stored credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/xybot-console/pkg/api"
	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
)

// Channel is the part of the channel client the guard drives.
type Channel interface {
	Connect(token string)
	Disconnect()
}

// Authenticator is the part of the REST client the guard uses.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (api.LoginResult, error)
	Logout(ctx context.Context, token string) error
	Verify(ctx context.Context, token string) (api.Identity, error)
}

// StoreWatcher reports external changes to stored credentials.
type StoreWatcher interface {
	Watch(fn func(tokenstore.Auth, error)) (stop func() error, err error)
}

// Guard owns the sign-in lifecycle. All methods are safe for concurrent use.
type Guard struct {
	channel Channel
	auth    Authenticator
	store   tokenstore.Store
	routes  *Routes
	logger  *slog.Logger

	mu        sync.Mutex
	connected string // token the channel was last opened with
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRoutes replaces the default console route table.
func WithRoutes(r *Routes) Option {
	return func(g *Guard) {
		if r != nil {
			g.routes = r
		}
	}
}

// New returns a Guard. auth may be nil, in which case Login is unavailable
// and Resume trusts the stored token without verifying it.
func New(ch Channel, auth Authenticator, store tokenstore.Store, opts ...Option) *Guard {
	g := &Guard{
		channel: ch,
		auth:    auth,
		store:   store,
		routes:  DefaultRoutes(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "session")
	return g
}

// Login signs in, stores the credentials and opens the channel with the new
// token.
func (g *Guard) Login(ctx context.Context, username, password string) (tokenstore.Auth, error) {
	if g.auth == nil {
		return tokenstore.Auth{}, errors.New("session: no authenticator configured")
	}
	res, err := g.auth.Login(ctx, username, password)
	if err != nil {
		return tokenstore.Auth{}, err
	}
	auth := tokenstore.Auth{Token: res.Token, Username: res.Username, Role: res.Role}
	if err := g.store.Save(auth); err != nil {
		return tokenstore.Auth{}, fmt.Errorf("session: save credentials: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.open(auth.Token)
	g.logger.Info("Signed in", "user", auth.Username, "role", auth.Role)
	return auth, nil
}

// Resume reopens the channel for credentials stored by an earlier run. A
// token the server rejects is cleared and reported as ErrNoAuth. When the
// server cannot be reached the channel is opened anyway and its own retries
// take over.
func (g *Guard) Resume(ctx context.Context) (tokenstore.Auth, error) {
	auth, err := g.store.Load()
	if err != nil {
		return tokenstore.Auth{}, err
	}
	if g.auth != nil {
		if _, err := g.auth.Verify(ctx, auth.Token); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				g.logger.Info("Stored session expired", "user", auth.Username)
				g.Expire()
				return tokenstore.Auth{}, tokenstore.ErrNoAuth
			}
			g.logger.Warn("Could not verify stored session, connecting anyway", "error", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.open(auth.Token)
	g.logger.Info("Session resumed", "user", auth.Username)
	return auth, nil
}

// Logout closes the channel, clears the stored credentials and revokes the
// token on the server. Local sign-out happens even when revocation fails;
// the revocation error is returned.
func (g *Guard) Logout(ctx context.Context) error {
	token := g.store.Token()

	g.mu.Lock()
	g.close()
	g.mu.Unlock()

	if err := g.store.Clear(); err != nil {
		return fmt.Errorf("session: clear credentials: %w", err)
	}
	g.logger.Info("Signed out")

	if token == "" || g.auth == nil {
		return nil
	}
	if err := g.auth.Logout(ctx, token); err != nil {
		return fmt.Errorf("session: revoke token: %w", err)
	}
	return nil
}

// Expire handles a server-side expiry, typically from a 401 response:
// the channel is closed and the credentials are cleared.
func (g *Guard) Expire() {
	g.mu.Lock()
	g.close()
	g.mu.Unlock()
	if err := g.store.Clear(); err != nil {
		g.logger.Error("Failed to clear expired credentials", "error", err)
	}
	g.logger.Info("Session expired")
}

// Follow keeps the channel in step with credentials changed by another
// process sharing the store: a new token reopens the channel with it and
// removed credentials close it.
func (g *Guard) Follow(w StoreWatcher) (stop func() error, err error) {
	return w.Watch(func(auth tokenstore.Auth, err error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		switch {
		case err != nil:
			if g.connected != "" {
				g.logger.Info("Credentials removed externally, disconnecting")
				g.close()
			}
		case auth.Token != g.connected:
			g.logger.Info("Credentials changed externally, reconnecting", "user", auth.Username)
			g.close()
			g.open(auth.Token)
		}
	})
}

// Check decides whether path may be shown. See Routes.Check.
func (g *Guard) Check(path string) Decision {
	return g.routes.Check(path, g.store)
}

// open and close must be called with mu held.
func (g *Guard) open(token string) {
	if g.connected != "" && g.connected != token {
		g.channel.Disconnect()
	}
	g.connected = token
	g.channel.Connect(token)
}

func (g *Guard) close() {
	g.connected = ""
	g.channel.Disconnect()
}
