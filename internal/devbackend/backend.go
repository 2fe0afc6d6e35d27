// Package devbackend is a self-contained stand-in for the bot's web backend:
// the auth REST endpoints, the authenticated /api/ws event socket and a
// status page. It backs cmd/devserver and the integration tests.
package devbackend

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

const (
	topicBroadcast = "broadcast"
	topicControl   = "control"
)

var (
	// ErrUnknownUser is returned for operations on a user that does not exist.
	ErrUnknownUser = errors.New("devbackend: unknown user")
	// ErrBadPassword is returned when a current password does not match.
	ErrBadPassword = errors.New("devbackend: wrong password")
)

// Options configures a Backend.
type Options struct {
	Logger *slog.Logger
	// Secret signs access tokens. A random key is generated when empty.
	Secret   []byte
	TokenTTL time.Duration
	// StatsInterval is the period of system_stats pushes on each socket.
	StatsInterval time.Duration
	MaxClients    int
	Version       string
	PluginsCount  int
	BcryptCost    int
	// Stats samples the host. Defaults to a sampler of this process's memory.
	Stats func() SystemSample
}

// Option configures a Backend.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithSecret sets the token signing key.
func WithSecret(secret []byte) Option { return func(o *Options) { o.Secret = secret } }

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(d time.Duration) Option { return func(o *Options) { o.TokenTTL = d } }

// WithStatsInterval sets the system_stats push period.
func WithStatsInterval(d time.Duration) Option { return func(o *Options) { o.StatsInterval = d } }

// WithMaxClients caps concurrent sockets.
func WithMaxClients(n int) Option { return func(o *Options) { o.MaxClients = n } }

// WithBot sets the reported bot version and plugin count.
func WithBot(version string, plugins int) Option {
	return func(o *Options) {
		o.Version = version
		o.PluginsCount = plugins
	}
}

// WithBcryptCost sets the password hashing cost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option { return func(o *Options) { o.BcryptCost = cost } }

// WithStats replaces the host sampler.
func WithStats(fn func() SystemSample) Option { return func(o *Options) { o.Stats = fn } }

type account struct {
	role string
	hash []byte
}

// Backend serves the backend API. It is an http.Handler.
type Backend struct {
	opts    Options
	logger  *slog.Logger
	started time.Time
	router  chi.Router

	mu      sync.RWMutex
	users   map[string]*account
	revoked map[string]struct{}

	busMu     sync.RWMutex
	bus       *pubsub.PubSub
	busClosed bool
	sockets   atomic.Int64
}

// New builds a Backend with no users.
func New(opts ...Option) (*Backend, error) {
	o := Options{
		Logger:        slog.Default(),
		TokenTTL:      24 * time.Hour,
		StatsInterval: 5 * time.Second,
		MaxClients:    50,
		Version:       "dev",
		BcryptCost:    bcrypt.DefaultCost,
		Stats:         sampleProcess,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.Secret) == 0 {
		o.Secret = make([]byte, 32)
		if _, err := rand.Read(o.Secret); err != nil {
			return nil, fmt.Errorf("devbackend: generate secret: %w", err)
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	b := &Backend{
		opts:    o,
		logger:  o.Logger.With("component", "devbackend"),
		started: time.Now(),
		users:   make(map[string]*account),
		revoked: make(map[string]struct{}),
		bus:     pubsub.New(16),
	}
	b.router = b.routes()
	return b, nil
}

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(b.logRequests)

	r.Get("/", b.servePage)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", b.login)
		r.Post("/auth/logout", b.logout)
		r.Get("/auth/verify", b.verify)

		r.Group(func(r chi.Router) {
			r.Use(b.requireAuth)
			r.Post("/auth/change-password", b.changePassword)
			r.Get("/bot/status", b.botStatus)
			r.Get("/ws", b.serveSocket)
		})
	})
	return r
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

func (b *Backend) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

// AddUser creates or replaces a user.
func (b *Backend) AddUser(username, password, role string) error {
	if username == "" || password == "" {
		return errors.New("devbackend: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("devbackend: hash password: %w", err)
	}
	b.mu.Lock()
	b.users[username] = &account{role: role, hash: hash}
	b.mu.Unlock()
	return nil
}

// RemoveUser deletes a user; tokens issued to them stop validating.
func (b *Backend) RemoveUser(username string) {
	b.mu.Lock()
	delete(b.users, username)
	b.mu.Unlock()
}

func (b *Backend) authenticate(username, password string) (*account, error) {
	b.mu.RLock()
	acct, ok := b.users[username]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownUser
	}
	if bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return nil, ErrBadPassword
	}
	return acct, nil
}

func (b *Backend) setPassword(username, oldPassword, newPassword string) error {
	acct, err := b.authenticate(username, oldPassword)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), b.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("devbackend: hash password: %w", err)
	}
	b.mu.Lock()
	acct.hash = hash
	b.mu.Unlock()
	return nil
}

func (b *Backend) userRole(username string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.users[username]
	if !ok {
		return "", false
	}
	return acct.role, true
}

// Sockets returns the number of open event sockets.
func (b *Backend) Sockets() int { return int(b.sockets.Load()) }

// Uptime returns the time since New.
func (b *Backend) Uptime() time.Duration { return time.Since(b.started) }

// Close drops every socket and stops the event bus.
func (b *Backend) Close() {
	b.DropSockets()
	b.busMu.Lock()
	defer b.busMu.Unlock()
	if !b.busClosed {
		b.busClosed = true
		b.bus.Shutdown()
	}
}
