// Package console wires the XYBot console client together: the real-time
// channel, the REST client, a token store and the session guard that keeps
// them in step.
package console

import (
	"errors"
	"log/slog"

	"github.com/lightforgemedia/xybot-console/pkg/api"
	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/lightforgemedia/xybot-console/pkg/session"
	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

// Re-export core types
type (
	Client       = channel.Client
	State        = channel.State
	StateChange  = channel.StateChange
	Handler      = channel.Handler
	Subscription = channel.Subscription
	Envelope     = wire.Envelope
	Auth         = tokenstore.Auth
	Store        = tokenstore.Store
	Guard        = session.Guard
	Decision     = session.Decision
)

// Re-export channel states
const (
	StateIdle       = channel.StateIdle
	StateConnecting = channel.StateConnecting
	StateOpen       = channel.StateOpen
	StateRetrying   = channel.StateRetrying
	StateGivenUp    = channel.StateGivenUp
)

// Re-export errors
var (
	ErrNoAuth          = tokenstore.ErrNoAuth
	ErrUnauthorized    = api.ErrUnauthorized
	ErrNotConnected    = channel.ErrNotConnected
	ErrTransportClosed = channel.ErrTransportClosed
	ErrInvalidEnvelope = wire.ErrInvalidEnvelope
)

// Options configures New.
type Options struct {
	// Origin is the console origin, e.g. https://console.example.com.
	Origin string
	// TokenFile persists credentials across runs. Empty keeps them in memory.
	TokenFile string
	Logger    *slog.Logger
	// Channel and API options are applied after the ones New sets.
	Channel []channel.Option
	API     []api.Option
	Routes  *session.Routes
}

// Console bundles the wired components.
type Console struct {
	Channel *channel.Client
	API     *api.Client
	Store   tokenstore.Store
	Guard   *session.Guard
}

// New builds a Console. Both clients read the token from the store, and a
// 401 from any authenticated REST call expires the session.
func New(opts Options) (*Console, error) {
	if opts.Origin == "" {
		return nil, errors.New("console: origin is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var store tokenstore.Store = tokenstore.NewMemory()
	if opts.TokenFile != "" {
		store = tokenstore.NewFile(opts.TokenFile, logger)
	}

	ch, err := channel.New(opts.Origin, append([]channel.Option{
		channel.WithLogger(logger),
		channel.WithTokenSource(store),
	}, opts.Channel...)...)
	if err != nil {
		return nil, err
	}

	c := &Console{Channel: ch, Store: store}
	rest, err := api.New(opts.Origin, append([]api.Option{
		api.WithLogger(logger),
		api.WithTokenSource(store),
		api.WithUnauthorizedHook(func() { c.Guard.Expire() }),
	}, opts.API...)...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	c.API = rest
	c.Guard = session.New(ch, rest, store, session.WithLogger(logger), session.WithRoutes(opts.Routes))
	return c, nil
}

// Close shuts the channel down for good.
func (c *Console) Close() error {
	return c.Channel.Close()
}
