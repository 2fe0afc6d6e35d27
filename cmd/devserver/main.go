// Command devserver runs the development backend: the auth REST API, the
// real-time channel at /api/ws and a status page, with seeded users.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lightforgemedia/xybot-console/internal/devbackend"
	"github.com/lightforgemedia/xybot-console/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Development backend for the XYBot console",
	Long: `devserver serves /api/auth/*, /api/bot/status and the /api/ws event
channel for local console development. Users are given as
name:password[:role] and live in memory only.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.StringSlice("user", []string{"admin:admin:admin"}, "seeded user as name:password[:role]")
	flags.String("secret", "", "token signing secret (random when empty)")
	flags.Duration("token-ttl", 24*time.Hour, "token lifetime")
	flags.Duration("stats-interval", 5*time.Second, "system_stats push interval")
	flags.Int("max-clients", 50, "concurrent socket limit")
	flags.String("bot-version", "dev", "version reported in bot_status")
	flags.Int("plugins", 3, "plugin count reported in bot_status")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
	flags.Bool("metrics", true, "serve Prometheus metrics at /metrics")
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	format, _ := flags.GetString("log-format")
	logger, err := logging.New(os.Stderr, logging.Options{Level: level, Format: format, AddSource: level == "debug"})
	if err != nil {
		return err
	}

	addr, _ := flags.GetString("addr")
	users, _ := flags.GetStringSlice("user")
	secret, _ := flags.GetString("secret")
	ttl, _ := flags.GetDuration("token-ttl")
	interval, _ := flags.GetDuration("stats-interval")
	maxClients, _ := flags.GetInt("max-clients")
	version, _ := flags.GetString("bot-version")
	plugins, _ := flags.GetInt("plugins")
	withMetrics, _ := flags.GetBool("metrics")

	opts := []devbackend.Option{
		devbackend.WithLogger(logger),
		devbackend.WithTokenTTL(ttl),
		devbackend.WithStatsInterval(interval),
		devbackend.WithMaxClients(maxClients),
		devbackend.WithBot(version, plugins),
	}
	if secret != "" {
		opts = append(opts, devbackend.WithSecret([]byte(secret)))
	}
	b, err := devbackend.New(opts...)
	if err != nil {
		return err
	}
	defer b.Close()

	for _, entry := range users {
		name, password, role, err := parseUser(entry)
		if err != nil {
			return err
		}
		if err := b.AddUser(name, password, role); err != nil {
			return err
		}
		logger.Info("Seeded user", "user", name, "role", role)
	}

	mux := http.NewServeMux()
	mux.Handle("/", b)
	if withMetrics {
		mux.Handle("/metrics", metricsHandler(b))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Development backend listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		// Sockets are hijacked, so close them before Shutdown waits.
		b.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func parseUser(entry string) (name, password, role string, err error) {
	parts := strings.Split(entry, ":")
	switch len(parts) {
	case 2:
		name, password, role = parts[0], parts[1], "user"
	case 3:
		name, password, role = parts[0], parts[1], parts[2]
	default:
		return "", "", "", fmt.Errorf("user %q: want name:password[:role]", entry)
	}
	if name == "" || password == "" {
		return "", "", "", fmt.Errorf("user %q: name and password are required", entry)
	}
	if role != "user" && role != "admin" {
		return "", "", "", fmt.Errorf("user %q: role must be user or admin", entry)
	}
	return name, password, role, nil
}

func metricsHandler(b *devbackend.Backend) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "xybot",
			Subsystem: "devserver",
			Name:      "sockets",
			Help:      "Open event sockets",
		}, func() float64 { return float64(b.Sockets()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "xybot",
			Subsystem: "devserver",
			Name:      "uptime_seconds",
			Help:      "Seconds since the backend started",
		}, func() float64 { return b.Uptime().Seconds() }),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
