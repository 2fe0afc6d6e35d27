// Package channel implements the console's real-time channel client: a single
// long-lived WebSocket to the backend that authenticates with a token,
// dispatches inbound typed events to subscribers and reconnects on its own
// after the transport drops.
//
// All state transitions, transport callbacks, timer firings and event
// dispatches run as turns on one goroutine owned by the Client, so they
// never overlap. Connect and Disconnect enqueue a turn and return at once;
// their effects are observed through the connect, disconnect and error
// events or through State.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/google/uuid"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

// ErrNotConnected is returned by Send when the channel is not open.
var ErrNotConnected = errors.New("channel: not connected")

const stateTopic = "state"

// Client is the real-time channel client. Construct it once per session with
// New and share the pointer.
type Client struct {
	opts   Options
	logger *slog.Logger
	id     string

	registry *Registry

	feedMu     sync.RWMutex
	feed       *pubsub.PubSub
	feedClosed bool

	qmu       sync.Mutex
	pending   []func()
	stopped   bool
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// mu guards state, retries and conn for readers outside the loop. Only
	// the loop goroutine writes them.
	mu      sync.RWMutex
	state   State
	retries int
	conn    Conn

	// Loop-owned. epoch is bumped whenever a transport or timer is
	// abandoned; callbacks carrying an older epoch are ignored.
	epoch      uint64
	connCancel context.CancelFunc
	retryTask  Task
}

// New creates a Client for the given console origin.
func New(origin string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	o.Origin = origin
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(o)
}

// NewWithOptions creates a Client from an Options struct. Zero values take
// library defaults.
func NewWithOptions(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if _, err := BuildURL(opts.Origin, opts.Path, ""); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	c := &Client{
		opts:     opts,
		logger:   opts.Logger.With("component", "channel", "client_id", id),
		id:       id,
		registry: NewRegistry(opts.Logger.With("component", "channel.registry")),
		feed:     pubsub.New(opts.StateFeedCapacity),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	go c.run()
	return c, nil
}

// ID returns the client's session identifier used in logs.
func (c *Client) ID() string { return c.id }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Retries returns the number of consecutive transport closures since the
// channel was last open.
func (c *Client) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Connect opens the channel. token is sent as the token query parameter; an
// empty token falls back to the configured TokenSource. Connect is a no-op
// while open or connecting. While retrying it cancels the pending timer and
// dials immediately without resetting the retry counter. From idle or given
// up it resets the counter.
func (c *Client) Connect(token string) {
	if !c.post(func() { c.connect(token) }) {
		c.logger.Warn("Connect called on closed client")
	}
}

// Disconnect closes the transport if any, cancels a pending reconnect and
// returns to idle. Safe to call in any state, any number of times.
func (c *Client) Disconnect() {
	c.post(func() { c.disconnect("client disconnect") })
}

// Send transmits one envelope immediately. Outside StateOpen nothing is
// written, the failure is logged and ErrNotConnected is returned. There is
// no outbound queue.
func (c *Client) Send(eventType string, payload any) error {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()
	if state != StateOpen || conn == nil {
		c.logger.Error("Cannot send, channel not connected", "event", eventType, "state", state)
		return ErrNotConnected
	}

	env, err := wire.NewEnvelope(eventType, payload)
	if err != nil {
		c.logger.Error("Cannot send, bad envelope", "event", eventType, "error", err)
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("channel: encode %q: %w", eventType, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		c.logger.Error("Send failed", "event", eventType, "error", err)
		return fmt.Errorf("channel: send %q: %w", eventType, err)
	}
	return nil
}

// On registers h for eventType. See Registry.On.
func (c *Client) On(eventType string, h Handler) *Subscription {
	return c.registry.On(eventType, h)
}

// Off removes subscriptions for eventType, or all of them when none are
// given. See Registry.Off.
func (c *Client) Off(eventType string, subs ...*Subscription) {
	c.registry.Off(eventType, subs...)
}

// StateChanges returns a feed of state transitions that lasts until ctx is
// done or the client is closed. Changes are dropped, not queued, when the
// consumer falls behind the channel's buffer.
func (c *Client) StateChanges(ctx context.Context) <-chan StateChange {
	out := make(chan StateChange, c.opts.StateFeedCapacity)

	c.feedMu.RLock()
	if c.feedClosed {
		c.feedMu.RUnlock()
		close(out)
		return out
	}
	sub := c.feed.Sub(stateTopic)
	c.feedMu.RUnlock()

	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-sub:
				if !ok {
					return
				}
				change, _ := v.(StateChange)
				select {
				case out <- change:
				default:
					c.logger.Warn("State feed consumer is behind, dropping change", "from", change.From, "to", change.To)
				}
			case <-ctx.Done():
				go func() {
					c.feedMu.RLock()
					defer c.feedMu.RUnlock()
					if !c.feedClosed {
						c.feed.Unsub(sub, stateTopic)
					}
				}()
				for range sub {
				}
				return
			}
		}
	}()
	return out
}

// Close disconnects and stops the client for good. Later Connect calls are
// ignored. Close must not be called from inside an event handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.post(func() {
			c.disconnect("client closed")
			c.qmu.Lock()
			c.stopped = true
			c.pending = nil
			c.qmu.Unlock()
		})
		<-c.done

		c.feedMu.Lock()
		c.feedClosed = true
		c.feed.Shutdown()
		c.feedMu.Unlock()
		c.logger.Info("Channel client closed")
	})
	return nil
}

// post enqueues a turn. It reports false once the client is closed.
func (c *Client) post(turn func()) bool {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		return false
	}
	c.pending = append(c.pending, turn)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) nextTurn() (func(), bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.stopped || len(c.pending) == 0 {
		return nil, false
	}
	turn := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return turn, true
}

func (c *Client) run() {
	defer close(c.done)
	for {
		<-c.wake
		for {
			turn, ok := c.nextTurn()
			if !ok {
				break
			}
			turn()
		}
		c.qmu.Lock()
		stopped := c.stopped
		c.qmu.Unlock()
		if stopped {
			return
		}
	}
}

func (c *Client) connect(token string) {
	switch c.state {
	case StateOpen, StateConnecting:
		c.logger.Debug("Connect ignored", "state", c.state)
		return
	case StateRetrying:
		c.cancelRetry()
		c.logger.Info("Connect requested while retrying, dialing now", "retries", c.retries)
	default:
		c.setRetries(0)
	}
	c.attempt(token)
}

func (c *Client) attempt(token string) {
	if token == "" && c.opts.TokenSource != nil {
		token = c.opts.TokenSource.Token()
	}
	c.epoch++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(context.Background())
	c.connCancel = cancel
	c.setState(StateConnecting)
	c.logger.Info("Connecting", "origin", c.opts.Origin, "path", c.opts.Path, "with_token", token != "")
	go c.dial(ctx, epoch, token)
}

func (c *Client) dial(ctx context.Context, epoch uint64, token string) {
	target, err := BuildURL(c.opts.Origin, c.opts.Path, token)
	var conn Conn
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err = c.opts.Dialer.Dial(dialCtx, target)
		cancel()
	}
	if err == nil && conn == nil {
		err = errors.New("dialer returned no connection")
	}
	if !c.post(func() { c.dialed(ctx, epoch, conn, err) }) && conn != nil {
		_ = conn.Close("client closed")
	}
}

func (c *Client) dialed(ctx context.Context, epoch uint64, conn Conn, err error) {
	if epoch != c.epoch {
		if conn != nil {
			go conn.Close("stale connection")
		}
		return
	}
	if err != nil {
		c.logger.Warn("Dial failed", "error", err)
		c.transportClosed(epoch, err)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.retries = 0
	c.mu.Unlock()
	c.setState(StateOpen)
	c.logger.Info("Channel open")

	go c.readLoop(ctx, epoch, conn)
	c.emit(wire.EventConnect, wire.ConnectionPayload{Connected: true})
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, conn Conn) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			c.post(func() { c.transportClosed(epoch, err) })
			return
		}
		if !c.post(func() { c.frame(epoch, frame) }) {
			return
		}
	}
}

func (c *Client) frame(epoch uint64, frame []byte) {
	if epoch != c.epoch {
		return
	}
	env, err := wire.Decode(frame)
	if err != nil {
		c.logger.Warn("Dropping malformed frame", "error", err)
		return
	}
	c.registry.Dispatch(env.Type, env.Payload)
}

// transportClosed handles the end of a transport, whether the dial failed or
// an open socket dropped.
func (c *Client) transportClosed(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.retries++
	retries := c.retries
	c.mu.Unlock()
	if conn != nil {
		go conn.Close("transport closed")
	}

	if errors.Is(err, ErrTransportClosed) {
		c.logger.Info("Channel closed by peer", "reason", err)
	} else {
		c.emit(wire.EventError, wire.ErrorPayload{Error: err.Error()})
	}

	if retries >= c.opts.MaxReconnectAttempts {
		c.setState(StateGivenUp)
		c.logger.Warn("Reconnect attempts exhausted", "attempts", retries)
	} else {
		c.scheduleRetry(epoch)
		c.setState(StateRetrying)
		c.logger.Info("Reconnect scheduled", "attempt", retries, "max", c.opts.MaxReconnectAttempts, "delay", c.opts.ReconnectDelay)
	}
	c.emit(wire.EventDisconnect, wire.ConnectionPayload{Connected: false})
}

func (c *Client) scheduleRetry(epoch uint64) {
	c.retryTask = c.opts.Scheduler.AfterFunc(c.opts.ReconnectDelay, func() {
		c.post(func() { c.retryDue(epoch) })
	})
}

func (c *Client) retryDue(epoch uint64) {
	if epoch != c.epoch || c.state != StateRetrying {
		return
	}
	c.retryTask = nil
	c.attempt("")
}

func (c *Client) cancelRetry() {
	if c.retryTask != nil {
		c.retryTask.Cancel()
		c.retryTask = nil
	}
}

func (c *Client) disconnect(reason string) {
	c.epoch++
	c.cancelRetry()

	cancel := c.connCancel
	c.connCancel = nil
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		go func() {
			_ = conn.Close(reason)
			if cancel != nil {
				cancel()
			}
		}()
	} else if cancel != nil {
		cancel()
	}

	wasOpen := c.state == StateOpen
	if c.state != StateIdle {
		c.logger.Info("Disconnecting", "state", c.state, "reason", reason)
	}
	c.setState(StateIdle)
	if wasOpen {
		c.emit(wire.EventDisconnect, wire.ConnectionPayload{Connected: false})
	}
}

func (c *Client) setRetries(n int) {
	c.mu.Lock()
	c.retries = n
	c.mu.Unlock()
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	retries := c.retries
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Debug("State changed", "from", from, "to", to, "retries", retries)
	c.feed.Pub(StateChange{From: from, To: to, Retries: retries}, stateTopic)
}

func (c *Client) emit(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Cannot encode lifecycle event", "event", eventType, "error", err)
		return
	}
	c.registry.Dispatch(eventType, raw)
}
