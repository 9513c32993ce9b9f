// Command iotile-gateway runs one gatewayinstance.GatewayInstance: it loads
// configuration, starts every configured adapter and agent, and blocks
// until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iotile/coretools/pkg/gatewayconfig"
	"github.com/iotile/coretools/pkg/gatewayinstance"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "iotile-gateway",
		Short: "Runs the device gateway: device adapters, the session layer, and its agent transports.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON or YAML gateway configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides the configured log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, configPath, logLevelOverride string) error {
	cfg, err := gatewayconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("iotile-gateway: %w", err)
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	reg, err := gatewayinstance.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("iotile-gateway: %w", err)
	}

	inst, err := gatewayinstance.New(cfg, reg)
	if err != nil {
		return fmt.Errorf("iotile-gateway: %w", err)
	}

	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("iotile-gateway: start: %w", err)
	}
	slog.Info("gateway started", "adapters", len(cfg.Adapters), "agents", len(cfg.Agents))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.Stop(stopCtx); err != nil {
		return fmt.Errorf("iotile-gateway: stop: %w", err)
	}
	slog.Info("gateway stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
