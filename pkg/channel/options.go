package channel

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReconnectDelay       = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultStateFeedCapacity    = 16
)

// TokenSource supplies the current auth token; "" means none. The client
// only reads from it.
type TokenSource interface {
	Token() string
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	// Origin is the console origin, e.g. https://console.example.com. Its
	// scheme selects ws or wss and its host is dialed.
	Origin string
	// Path is the socket endpoint on the origin host.
	Path   string
	Logger *slog.Logger
	// Dialer opens transports. Defaults to a WebSocketDialer using DialOptions.
	Dialer      Dialer
	DialOptions *websocket.DialOptions
	// Scheduler runs reconnect timers. Defaults to TimerScheduler.
	Scheduler Scheduler
	// TokenSource is consulted when Connect is called without a token and on
	// every automatic reconnect.
	TokenSource          TokenSource
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadLimit            int64
	StateFeedCapacity    int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Path:                 DefaultPath,
		Logger:               slog.Default(),
		Scheduler:            TimerScheduler{},
		ReconnectDelay:       defaultReconnectDelay,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
		DialTimeout:          defaultDialTimeout,
		WriteTimeout:         defaultWriteTimeout,
		ReadLimit:            defaultReadLimit,
		StateFeedCapacity:    defaultStateFeedCapacity,
	}
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Scheduler == nil {
		o.Scheduler = d.Scheduler
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.StateFeedCapacity <= 0 {
		o.StateFeedCapacity = d.StateFeedCapacity
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{Options: o.DialOptions, ReadLimit: o.ReadLimit}
	}
	return o
}

// Option configures the Client.
type Option func(*Options)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithPath overrides the socket endpoint path.
func WithPath(path string) Option {
	return func(o *Options) {
		o.Path = path
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(o *Options) {
		o.Dialer = d
	}
}

// WithDialOptions sets websocket.DialOptions for the default dialer.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(o *Options) {
		o.DialOptions = opts
	}
}

// WithScheduler replaces the reconnect scheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *Options) {
		o.Scheduler = s
	}
}

// WithTokenSource sets where tokens are read when Connect gets none and on
// automatic reconnects.
func WithTokenSource(ts TokenSource) Option {
	return func(o *Options) {
		o.TokenSource = ts
	}
}

// WithReconnect sets the reconnect ceiling and the fixed delay between
// attempts. Non-positive values keep the defaults (5 attempts, 3s).
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(o *Options) {
		if maxAttempts > 0 {
			o.MaxReconnectAttempts = maxAttempts
		}
		if delay > 0 {
			o.ReconnectDelay = delay
		}
	}
}

// WithDialTimeout bounds each dial.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.DialTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each Send.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.WriteTimeout = timeout
		}
	}
}
