package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kurotori4423/vrc-log-relay/internal/config"
	"github.com/kurotori4423/vrc-log-relay/internal/logsink"
	"github.com/kurotori4423/vrc-log-relay/internal/relay"
)

var buildVersion = relay.ServerVersion

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "relayd",
		Short: "local relay for game client log output",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults to the XDG config path)")

	root.AddCommand(runCmd(&configPath), statusCmd(&configPath), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.LoadOrDefault(path)
}

func runCmd(configPath *string) *cobra.Command {
	var jsonLogs bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the relay daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if jsonLogs {
				cfg.Logging.JSON = true
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			zapLogger, err := buildZapLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer zapLogger.Sync()
			sink := logsink.NewZap(zapLogger)

			sup := relay.New(cfg, sink, nil)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sup.Start(ctx); err != nil {
				return fmt.Errorf("start relay: %w", err)
			}
			sink.Infof("relay listening on %s:%d", cfg.Transport.Host, cfg.Transport.Port)

			<-ctx.Done()
			sink.Infof("shutting down")
			return sup.Stop()
		},
	}
	cmd.Flags().BoolVar(&jsonLogs, "json", false, "emit structured JSON logs instead of console logs")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	return cmd
}

func buildZapLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func statusCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running relay daemon over its websocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			status, err := queryStatus(cfg.Transport.Host, cfg.Transport.Port, timeout)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			fmt.Printf("uptime:               %ds\n", status.Uptime)
			fmt.Printf("connected clients:    %d\n", status.ConnectedClients)
			fmt.Printf("monitored files:      %d\n", status.MonitoredFiles)
			fmt.Printf("messages processed:   %d\n", status.MessagesProcessed)
			fmt.Printf("messages distributed: %d\n", status.MessagesDistributed)
			fmt.Printf("client running:       %v\n", status.VRChatStatus.IsRunning)
			fmt.Printf("log directory exists: %v\n", status.VRChatStatus.LogDirectoryExists)
			fmt.Printf("active log files:     %d\n", status.VRChatStatus.ActiveLogFiles)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for the daemon to respond")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the relay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}
