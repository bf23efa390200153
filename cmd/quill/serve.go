package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yukin371/quill/internal/server"
	"github.com/yukin371/quill/pkg/logger"
)

var (
	serveAddr     string
	serveGRPCAddr string
)

// serveCmd runs the HTTP API until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health service",
	Long: `Serve the chat and tool endpoints over HTTP. Provider health is probed on
the configured cron schedule and, when --grpc-addr is set, exposed through the
standard gRPC health service.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, or \"auto\" for a free local port (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "", "gRPC health listen address (overrides server.grpc_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(logger.DEBUG)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveGRPCAddr != "" {
		cfg.Server.GRPCAddr = serveGRPCAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	go a.health.CheckAll(ctx)

	addr := cfg.Server.Addr
	if addr == "auto" {
		if addr, err = server.AutoDetectPort(); err != nil {
			return fmt.Errorf("auto-detect port: %w", err)
		}
	}

	srv := server.NewServer(addr,
		server.WithChat(a.chat),
		server.WithTranscripts(a.store),
		server.WithExecutor(a.executor),
		server.WithGate(a.gate),
		server.WithHub(a.hub),
		server.WithHealth(a.health),
		server.WithEventBus(a.bus),
		server.WithGRPCAddr(cfg.Server.GRPCAddr),
		server.WithLogger(log),
	)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("quill %s listening on http://%s", version, srv.Addr())
	if g := srv.GRPCAddr(); g != "" {
		log.Info("gRPC health service on %s", g)
	}

	<-ctx.Done()
	log.Info("shutting down")
	return srv.Stop()
}
