package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wesworld/server"
)

type serveOptions struct {
	addr            string
	static          string
	log             server.LogConfig
	shutdownTimeout time.Duration
}

func serveCmd() *cobra.Command {
	cfg := server.DefaultConfig()
	opts := serveOptions{
		log: server.LogConfig{File: "app.log", Level: "info"},
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the HTTP + WebSocket sync server.

Endpoints:
  /ws              event channel (?codec=json|msgpack)
  /healthz         liveness
  /metrics         Prometheus metrics
  /admin/config    GET/POST runtime settings
  /admin/stats     tick and population counters
  /admin/entities  current snapshot

Examples:
  wesworld serve
  wesworld serve --addr=:9000 --idle-timeout=2m --log-stderr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "server listen address, e.g. :8080")
	f.StringVar(&opts.static, "static", "", "directory served at / (disabled when empty)")
	f.StringVar(&opts.log.File, "log-file", opts.log.File, "rolling log file (empty disables file logging)")
	f.StringVar(&opts.log.Level, "log-level", opts.log.Level, "log level: debug, info, warn, error")
	f.BoolVar(&opts.log.Stderr, "log-stderr", false, "also log to stderr")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout")
	f.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "broadcast interval")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "remove entities not updated for this long")
	f.Float64Var(&cfg.MaxMessagesPerSecond, "max-msg-rate", cfg.MaxMessagesPerSecond, "per-connection inbound message rate")
	f.IntVar(&cfg.MessageBurst, "msg-burst", cfg.MessageBurst, "per-connection inbound burst")
	f.BoolVar(&cfg.BroadcastOnJoin, "broadcast-on-join", cfg.BroadcastOnJoin, "send a snapshot immediately when a client connects")

	return cmd
}

func runServe(ctx context.Context, cfg server.Config, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := server.InitLogger(opts.log)
	if err != nil {
		return err
	}
	defer server.SyncLogger()

	room, err := server.NewRoom(cfg, server.WithLogger(log))
	if err != nil {
		return err
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roomDone := make(chan error, 1)
	go func() { roomDone <- room.Run(ctx) }()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           server.NewRouter(room, cfg, server.RouterOptions{StaticDir: opts.static, Log: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("WesWorld listening on %s; tick=%s idle=%s", opts.addr, cfg.TickInterval, cfg.IdleTimeout)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-roomDone
			return err
		}
	}
	log.Info("Shutting down...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// 房间退出时关闭所有 WebSocket 连接
	<-roomDone
	return err
}
