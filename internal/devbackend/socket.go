package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

const writeTimeout = 5 * time.Second

// SystemSample is one reading of the host for system_stats.
type SystemSample = wire.SystemStats

type dropSignal struct{}

type revokeSignal struct{ tokenID string }

// sampleProcess reports this process's memory in place of host figures.
func sampleProcess() SystemSample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	var percent float64
	if m.Sys > 0 {
		percent = float64(m.HeapInuse) / float64(m.Sys) * 100
	}
	return SystemSample{
		Memory: wire.MemoryStats{Total: m.Sys, Available: m.Sys - m.HeapInuse, Percent: percent},
	}
}

func (b *Backend) status() wire.BotStatus {
	return wire.BotStatus{
		Version:      b.opts.Version,
		Uptime:       b.Uptime().Seconds(),
		PluginsCount: b.opts.PluginsCount,
		IsRunning:    true,
		Timestamp:    now(),
	}
}

func now() string { return time.Now().Format(time.RFC3339Nano) }

// Broadcast pushes one event to every open socket.
func (b *Backend) Broadcast(eventType string, payload any) error {
	env, err := wire.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	b.publish(env, topicBroadcast)
	return nil
}

// DropSockets closes every open socket with a going-away status, as a
// backend restart would.
func (b *Backend) DropSockets() {
	b.publish(dropSignal{}, topicControl)
}

func (b *Backend) publish(msg any, topic string) {
	b.busMu.RLock()
	defer b.busMu.RUnlock()
	if !b.busClosed {
		b.bus.Pub(msg, topic)
	}
}

func (b *Backend) subscribe() chan interface{} {
	b.busMu.RLock()
	defer b.busMu.RUnlock()
	if b.busClosed {
		return nil
	}
	return b.bus.Sub(topicBroadcast, topicControl)
}

func (b *Backend) unsubscribe(ch chan interface{}) {
	go func() {
		b.busMu.RLock()
		defer b.busMu.RUnlock()
		if !b.busClosed {
			b.bus.Unsub(ch)
		}
	}()
	for range ch {
	}
}

type socket struct {
	ws     *websocket.Conn
	claims *Claims
	logger *slog.Logger
}

func (s *socket) send(ctx context.Context, eventType string, payload any) error {
	env, err := wire.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return s.write(ctx, env)
}

func (s *socket) write(ctx context.Context, env *wire.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.ws, env)
}

func (s *socket) sendError(ctx context.Context, message string) {
	if err := s.send(ctx, wire.EventError, wire.ErrorPayload{Message: message}); err != nil {
		s.logger.Debug("Failed to send error event", "error", err)
	}
}

func (b *Backend) serveSocket(w http.ResponseWriter, r *http.Request) {
	if b.Sockets() >= b.opts.MaxClients {
		sendError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}
	claims := claimsFrom(r.Context())
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("Socket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	events := b.subscribe()
	if events == nil {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer b.unsubscribe(events)

	b.sockets.Add(1)
	defer b.sockets.Add(-1)

	s := &socket{ws: ws, claims: claims, logger: b.logger.With("user", claims.Subject)}
	s.logger.Info("Socket opened", "sockets", b.Sockets())
	defer s.logger.Info("Socket closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.send(ctx, wire.EventWelcome, wire.Welcome{
		Message:   "Welcome to the XYBot event socket",
		User:      claims.Subject,
		Timestamp: now(),
	}); err != nil {
		return
	}

	go b.pushStats(ctx, s)
	go b.forward(ctx, cancel, s, events)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		b.handleFrame(ctx, s, data)
	}
}

func (b *Backend) handleFrame(ctx context.Context, s *socket, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		var probe any
		if json.Unmarshal(data, &probe) != nil {
			s.sendError(ctx, "invalid JSON")
		} else {
			s.sendError(ctx, "message has no type")
		}
		return
	}

	switch env.Type {
	case wire.RequestPing:
		err = s.send(ctx, wire.EventPong, wire.Pong{Timestamp: now()})
	case wire.RequestGetBotStatus:
		err = s.send(ctx, wire.EventBotStatus, b.status())
	default:
		s.sendError(ctx, fmt.Sprintf("unknown message type: %s", env.Type))
	}
	if err != nil {
		s.logger.Debug("Reply failed", "request", env.Type, "error", err)
	}
}

func (b *Backend) pushStats(ctx context.Context, s *socket) {
	ticker := time.NewTicker(b.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := b.opts.Stats()
			sample.Timestamp = now()
			if err := s.send(ctx, wire.EventSystemStats, sample); err != nil {
				return
			}
		}
	}
}

// forward relays broadcasts to s and ends the socket on drop and revoke
// signals or when the bus shuts down.
func (b *Backend) forward(ctx context.Context, cancel context.CancelFunc, s *socket, events <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				s.ws.Close(websocket.StatusGoingAway, "server shutting down")
				cancel()
				return
			}
			switch m := msg.(type) {
			case *wire.Envelope:
				if err := s.write(ctx, m); err != nil {
					return
				}
			case dropSignal:
				s.ws.Close(websocket.StatusGoingAway, "server restarting")
				cancel()
				return
			case revokeSignal:
				if m.tokenID == s.claims.ID {
					s.ws.Close(websocket.StatusPolicyViolation, "token revoked")
					cancel()
					return
				}
			}
		}
	}
}
