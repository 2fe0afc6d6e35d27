// Command console is the terminal client for the XYBot console backend. It
// signs in over the REST API, keeps credentials in a token file and follows
// the bot over the real-time channel.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lightforgemedia/xybot-console/internal/config"
	"github.com/lightforgemedia/xybot-console/internal/logging"
	"github.com/lightforgemedia/xybot-console/pkg/api"
	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is what every subcommand shares once flags and config are resolved.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *tokenstore.File
}

var current app

var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Terminal console for the XYBot backend",
	Long: `console signs in to an XYBot backend, stores the session token
and follows the bot's live events over its WebSocket channel.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("console version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (.yaml or .toml)")
	flags.String("origin", "", "console origin, e.g. https://console.example.com")
	flags.String("token-file", "", "where the session token is kept")
	flags.String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, passwdCmd, statusCmd, watchCmd, sendCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if origin, _ := cmd.Flags().GetString("origin"); origin != "" {
		cfg.Server.Origin = origin
	}
	if file, _ := cmd.Flags().GetString("token-file"); file != "" {
		cfg.Auth.TokenFile = file
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Level == "debug",
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	current = app{
		cfg:    cfg,
		logger: logger,
		store:  tokenstore.NewFile(cfg.Auth.TokenFile, logger),
	}
	return nil
}

func (a *app) restClient(opts ...api.Option) (*api.Client, error) {
	all := append([]api.Option{
		api.WithLogger(a.logger),
		api.WithTokenSource(a.store),
	}, opts...)
	return api.New(a.cfg.Server.Origin, all...)
}

func (a *app) channelOptions() []channel.Option {
	ch := a.cfg.Channel
	return []channel.Option{
		channel.WithLogger(a.logger),
		channel.WithPath(ch.Path),
		channel.WithReconnect(ch.MaxAttempts, ch.ReconnectDelay),
		channel.WithDialTimeout(ch.DialTimeout),
		channel.WithWriteTimeout(ch.WriteTimeout),
		channel.WithTokenSource(a.store),
	}
}

func (a *app) channelClient() (*channel.Client, error) {
	return channel.New(a.cfg.Server.Origin, a.channelOptions()...)
}
