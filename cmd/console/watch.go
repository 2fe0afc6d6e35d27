package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	console "github.com/lightforgemedia/xybot-console"
	"github.com/lightforgemedia/xybot-console/pkg/api"
	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/lightforgemedia/xybot-console/pkg/metrics"
	"github.com/lightforgemedia/xybot-console/pkg/relay"
	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
	"github.com/lightforgemedia/xybot-console/pkg/wire"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errSessionExpired = errors.New("session expired, run `console login` again")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the bot's live events",
	Long: `Open the real-time channel with the stored token and print state
changes and events until interrupted. The channel reconnects on its own
after drops. With relay.enabled the events are also published to NATS, and
with metrics.addr a Prometheus endpoint is served.`,
	RunE: runWatch,
}

func init() {
	flags := watchCmd.Flags()
	flags.StringSlice("events", nil, "extra event types to print raw")
	flags.Duration("poll", 0, "request bot_status at this interval (0 disables)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := current.cfg

	c, err := console.New(console.Options{
		Origin:    cfg.Server.Origin,
		TokenFile: cfg.Auth.TokenFile,
		Logger:    current.logger,
		Channel:   current.channelOptions(),
	})
	if err != nil {
		return err
	}
	defer c.Close()
	client, rest, guard := c.Channel, c.API, c.Guard

	extra, _ := cmd.Flags().GetStringSlice("events")
	registerPrinters(client, extra)

	collector := metrics.New()
	collector.Watch(ctx, client)
	collector.CountEvents(client, wire.EventWelcome, wire.EventSystemStats, wire.EventBotStatus, wire.EventPong, wire.EventError)

	if cfg.Relay.Enabled {
		r, err := relay.New(relay.Options{
			URL:    cfg.Relay.URL,
			Prefix: cfg.Relay.Prefix,
			Events: cfg.Relay.Events,
			Logger: current.logger,
		})
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Attach(client); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Auth.TokenFile), 0o700); err != nil {
		return err
	}
	stopFollow, err := guard.Follow(current.store)
	if err != nil {
		return err
	}
	defer stopFollow()

	g, gctx := errgroup.WithContext(ctx)
	changes := client.StateChanges(gctx)
	g.Go(func() error {
		for change := range changes {
			printState(change, cfg.Channel.MaxAttempts)
			if change.To != channel.StateGivenUp {
				continue
			}
			// A rejected token looks like any other failed dial; ask the
			// REST API whether the session is still valid.
			if _, err := rest.Verify(gctx, current.store.Token()); errors.Is(err, api.ErrUnauthorized) {
				guard.Expire()
				return errSessionExpired
			}
			red.Println("Gave up reconnecting; waiting for a new sign-in")
		}
		return nil
	})

	if addr := cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			current.logger.Info("Serving metrics", "addr", addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if poll, _ := cmd.Flags().GetDuration("poll"); poll > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if client.State() == channel.StateOpen {
						if err := client.Send(wire.RequestGetBotStatus, nil); err != nil {
							current.logger.Debug("Status poll failed", "error", err)
						}
					}
				}
			}
		})
	}

	auth, err := guard.Resume(ctx)
	if err != nil {
		stop()
		_ = g.Wait()
		if errors.Is(err, tokenstore.ErrNoAuth) {
			return errors.New("not signed in, run `console login` first")
		}
		return err
	}
	cyan.Printf("Watching as %s on %s (Ctrl+C to stop)\n", auth.Username, cfg.Server.Origin)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func registerPrinters(client *channel.Client, extra []string) {
	client.OnError(func(p wire.ErrorPayload) {
		msg := p.Message
		if msg == "" {
			msg = p.Error
		}
		printEvent(wire.EventError, red.Sprint(msg))
	})
	channel.Subscribe(client, wire.EventWelcome, func(w wire.Welcome) error {
		printEvent(wire.EventWelcome, w.Message)
		return nil
	})
	channel.Subscribe(client, wire.EventSystemStats, func(s wire.SystemStats) error {
		printEvent(wire.EventSystemStats, fmt.Sprintf("cpu %.1f%%  mem %.1f%% of %s  disk %.1f%% (%s free)",
			s.CPU.Percent, s.Memory.Percent, formatBytes(s.Memory.Total), s.Disk.Percent, formatBytes(s.Disk.Free)))
		return nil
	})
	channel.Subscribe(client, wire.EventBotStatus, func(s wire.BotStatus) error {
		state := red.Sprint("stopped")
		if s.IsRunning {
			state = green.Sprint("running")
		}
		printEvent(wire.EventBotStatus, fmt.Sprintf("%s %s, up %s, %d plugins", s.Version, state, formatUptime(s.Uptime), s.PluginsCount))
		return nil
	})
	for _, eventType := range extra {
		eventType := eventType
		client.On(eventType, func(payload json.RawMessage) error {
			printEvent(eventType, string(payload))
			return nil
		})
	}
}
