package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/christopherjohns/dmrelay/internal/config"
	"github.com/christopherjohns/dmrelay/internal/server"
	"github.com/christopherjohns/dmrelay/internal/store"
	"github.com/christopherjohns/dmrelay/internal/ws"
)

const storeConnectTimeout = 10 * time.Second

// newRootCmd creates the root command. Without a subcommand it serves.
func newRootCmd(v string) *cobra.Command {
	root := &cobra.Command{
		Use:           "dmrelay",
		Short:         "Direct message relay",
		Long:          "dmrelay relays one-to-one chat messages between WebSocket clients and records them in a durable store.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addServeFlags(root.Flags())

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		},
	})
	return root
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.String("addr", "", "listen address (overrides LISTEN_ADDR)")
	fs.String("store", "", "storage driver: memory, redis, sqlite, postgres, mongo (overrides STORE_DRIVER)")
	fs.String("dsn", "", "storage DSN or URI (overrides STORE_DSN)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	backend, err := store.Open(openCtx, cfg.Store())
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	logger.Info("store ready", "driver", backend.Driver)

	srv := server.New(cfg.ListenAddr,
		server.WithStore(backend.Messages, backend.Users),
		server.WithLogger(logger),
		server.WithAllowedOrigins(cfg.Origins()),
		server.WithHistoryLimit(cfg.HistoryLimit),
		server.WithMaxMessageBytes(int64(cfg.MaxMessageBytes)),
		server.WithConnOptions(
			ws.WithMaxConns(cfg.MaxConns),
			ws.WithIdleTimeout(cfg.IdleTimeout),
		),
	)

	logger.Info("dmrelay starting", "version", version, "addr", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("dmrelay stopped")
	return nil
}

// applyFlags overrides environment settings with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.ListenAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("store") {
		cfg.StoreDriver, _ = flags.GetString("store")
	}
	if flags.Changed("dsn") {
		cfg.StoreDSN, _ = flags.GetString("dsn")
	}
	return cfg.Validate()
}
