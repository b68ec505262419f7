package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp/internal/platform"
	"github.com/staticimp/staticimp/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Run the HTTP server until SIGINT or SIGTERM. The listen address defaults
to host and port from the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfig()
		if err != nil {
			return err
		}
		svc, err := platform.New(path, platformOptions()...)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		defer svc.Close()

		addr := serveAddr
		if addr == "" {
			cfg := svc.Config()
			addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := slog.Default()
		logger.Info("starting", "config", path, "addr", addr)
		return server.New(svc, server.WithLogger(logger)).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides host and port from the config")
	rootCmd.AddCommand(serveCmd)
}
