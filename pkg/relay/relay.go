// Package relay republishes events received on a channel client to NATS so
// other processes can follow the bot without opening their own socket.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is prepended to the event type to form the subject.
const DefaultPrefix = "xybot.events"

// DefaultEvents are relayed when Options.Events is empty.
var DefaultEvents = []string{
	wire.EventConnect,
	wire.EventDisconnect,
	wire.EventError,
	wire.EventSystemStats,
	wire.EventBotStatus,
}

// Publisher sends one message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options contains configuration for New.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string
	// Prefix is the subject prefix. Defaults to DefaultPrefix.
	Prefix string
	// Events lists the event types to relay. Defaults to DefaultEvents.
	Events []string
	// ConnectionOptions are passed to nats.Connect.
	ConnectionOptions []nats.Option
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	o.Prefix = strings.TrimSuffix(o.Prefix, ".")
	if len(o.Events) == 0 {
		o.Events = DefaultEvents
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Relay forwards events from attached clients. Each forwarded message is the
// event's envelope, {"type":...,"payload":...}, on subject <prefix>.<type>.
type Relay struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	events []string
	logger *slog.Logger

	mu       sync.Mutex
	attached map[*channel.Client][]*channel.Subscription
	closed   bool
}

// New connects to NATS and returns a Relay publishing there.
func New(opts Options) (*Relay, error) {
	opts = opts.withDefaults()
	conn, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to NATS: %w", err)
	}
	r := NewWithPublisher(conn, opts)
	r.conn = conn
	r.logger.Info("Connected to NATS", "url", conn.ConnectedUrl(), "prefix", r.prefix)
	return r, nil
}

// NewWithPublisher returns a Relay that publishes through pub. The URL and
// ConnectionOptions fields of opts are ignored.
func NewWithPublisher(pub Publisher, opts Options) *Relay {
	opts = opts.withDefaults()
	return &Relay{
		pub:      pub,
		prefix:   opts.Prefix,
		events:   append([]string(nil), opts.Events...),
		logger:   opts.Logger.With("component", "relay"),
		attached: make(map[*channel.Client][]*channel.Subscription),
	}
}

// Subject returns the subject events of eventType are published on.
func (r *Relay) Subject(eventType string) string {
	return r.prefix + "." + eventType
}

// Attach starts forwarding the configured events from c. Attaching the same
// client twice is a no-op.
func (r *Relay) Attach(c *channel.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("relay: closed")
	}
	if _, ok := r.attached[c]; ok {
		return nil
	}
	subs := make([]*channel.Subscription, 0, len(r.events))
	for _, eventType := range r.events {
		eventType := eventType
		subs = append(subs, c.On(eventType, func(payload json.RawMessage) error {
			return r.forward(eventType, payload)
		}))
	}
	r.attached[c] = subs
	r.logger.Debug("Attached client", "client", c.ID(), "events", r.events)
	return nil
}

// Detach stops forwarding from c.
func (r *Relay) Detach(c *channel.Client) {
	r.mu.Lock()
	subs, ok := r.attached[c]
	delete(r.attached, c)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range subs {
		c.Off(sub.EventType(), sub)
	}
}

func (r *Relay) forward(eventType string, payload json.RawMessage) error {
	env, err := wire.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := r.pub.Publish(r.Subject(eventType), data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", eventType, err)
	}
	return nil
}

// Close detaches every client and, for relays made by New, flushes and
// closes the NATS connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := make([]*channel.Client, 0, len(r.attached))
	for c := range r.attached {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.Detach(c)
	}
	if r.conn == nil {
		return nil
	}
	err := r.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	return err
}
