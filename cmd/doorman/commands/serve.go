package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doorman-ai/doorman/pkg/doorman/audit"
	"github.com/doorman-ai/doorman/pkg/doorman/channels"
	"github.com/doorman-ai/doorman/pkg/doorman/channels/discord"
	"github.com/doorman-ai/doorman/pkg/doorman/channels/telegram"
	"github.com/doorman-ai/doorman/pkg/doorman/channels/whatsapp"
	"github.com/doorman-ai/doorman/pkg/doorman/config"
	"github.com/doorman-ai/doorman/pkg/doorman/gateway"
	"github.com/doorman-ai/doorman/pkg/doorman/relay"
	"github.com/doorman-ai/doorman/pkg/doorman/storage"
	"github.com/doorman-ai/doorman/pkg/doorman/trust"
	"github.com/doorman-ai/doorman/pkg/doorman/worker"

	"github.com/spf13/cobra"
)

// newServeCmd creates the `doorman serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gate daemon with all configured channels",
		Long: `Start Doorman as a daemon: connect to the configured chat platforms,
filter inbound messages through the trust gate and relay admitted
messages to the assistant backend.

Examples:
  doorman serve
  doorman serve --channel telegram
  doorman serve --config ./doorman.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	// ── Storage ──
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	auditLog := audit.New(db, cfg.AuditRetentionDays, logger)
	defer auditLog.Close()

	store := trust.NewStore(db, cfg.Gate.PendingCap, logger)
	tracker := trust.NewTracker()
	gate := trust.NewGate(store, tracker, auditLog, auditLog, cfg.GateSettings(), logger)

	// ── Relay ──
	var rl worker.Relay
	if cfg.Relay.APIKey != "" {
		rl = relay.New(cfg.Relay, logger)
	} else {
		logger.Warn("no relay API key configured, admitted messages get a static notice")
	}

	// ── Controller and workers ──
	controller := worker.NewController(store, tracker, auditLog, logger)

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	for _, conn := range buildConnectors(cfg, channelFilter, logger) {
		w := worker.New(conn, gate, rl, auditLog, logger)
		if err := controller.Register(w); err != nil {
			logger.Error("failed to register worker", "channel", conn.Name(), "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controller.StartAll(ctx)

	// ── Gateway ──
	gw := gateway.New(controller, auditLog, cfg.Gateway, logger)
	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start gateway", "error", err)
	}

	logger.Info("Doorman running. Press Ctrl+C to stop.",
		"channels", controller.Channels(),
		"pending_cap", cfg.Gate.PendingCap,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gw.Stop(shutdownCtx)
		cancelShutdown()
		controller.StopAll()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// buildConnectors creates the connectors enabled by config and flags.
func buildConnectors(cfg *config.Config, filter []string, logger *slog.Logger) []channels.Connector {
	var conns []channels.Connector

	if cfg.Channels.WhatsApp.Enabled && shouldEnable("whatsapp", filter) {
		conns = append(conns, whatsapp.New(whatsapp.Config{
			DatabasePath: cfg.Channels.WhatsApp.DatabasePath,
		}, logger))
	}
	if cfg.Channels.Telegram.Enabled && shouldEnable("telegram", filter) {
		conns = append(conns, telegram.New(telegram.Config{
			Token:        cfg.Channels.Telegram.Token,
			AllowedChats: cfg.Channels.Telegram.AllowedChats,
		}, logger))
	}
	if cfg.Channels.Discord.Enabled && shouldEnable("discord", filter) {
		conns = append(conns, discord.New(discord.Config{
			Token: cfg.Channels.Discord.Token,
		}, logger))
	}
	return conns
}

// shouldEnable reports whether a channel passes the --channel filter.
// An empty filter enables everything.
func shouldEnable(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

// loadConfig resolves the config path from the --config flag or the
// usual locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	return config.Load(path)
}

// newLogger builds the root logger from flags and config.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose, cfg.LogLevel == "debug":
		level = slog.LevelDebug
	case cfg.LogLevel == "warn":
		level = slog.LevelWarn
	case cfg.LogLevel == "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
