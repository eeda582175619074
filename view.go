package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"wesworld/client"
	"wesworld/protocol"
	"wesworld/server"
	"wesworld/viewer"
)

type viewOptions struct {
	url   string
	name  string
	codec string
	log   server.LogConfig
}

func viewCmd() *cobra.Command {
	opts := viewOptions{
		log: server.LogConfig{File: "view.log", Level: "info"},
	}

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Join a server with the terminal client",
		Long: `Join a WesWorld server and render the shared world top-down in the terminal.

Controls:
  WASD / arrows  move
  [ ]            previous / next world
  - =            previous / next form
  q, Esc         quit

Examples:
  wesworld view --name=Ada
  wesworld view --url=ws://example.com:8080/ws --codec=msgpack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "server WebSocket endpoint")
	f.StringVar(&opts.name, "name", "", "display name (server default when empty)")
	f.StringVar(&opts.codec, "codec", "json", "wire codec: json or msgpack")
	f.StringVar(&opts.log.File, "log-file", opts.log.File, "rolling log file (the terminal is used for drawing)")
	f.StringVar(&opts.log.Level, "log-level", opts.log.Level, "log level: debug, info, warn, error")

	return cmd
}

func runView(ctx context.Context, opts viewOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	codec, err := protocol.LookupCodec(opts.codec)
	if err != nil {
		return err
	}
	log, err := server.InitLogger(opts.log)
	if err != nil {
		return err
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := client.Dial(dialCtx, opts.url, codec, log)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	rec := client.NewReconciler(client.DefaultConfig(), conn)
	if err := conn.Send(protocol.Join(opts.name)); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	log.Infow("connected", "url", opts.url, "codec", codec.Name())
	return viewer.New(screen, rec, conn, viewer.WithLogger(log)).Run(ctx)
}
