package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// WesWorld 入口：serve 启动同步服务，view 启动终端客户端，schema 输出协议描述
func main() {
	rootCmd := &cobra.Command{
		Use:   "wesworld",
		Short: "Shared-world position sync server and terminal client",
		Long: `WesWorld keeps a set of avatars in sync between clients.

Each client owns one entity and reports its own position; the server
broadcasts a full snapshot of every entity 20 times per second.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		viewCmd(),
		schemaCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
