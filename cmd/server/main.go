package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

type serveOptions struct {
	configPath string
	addr       string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var opts serveOptions

	rootCmd := &cobra.Command{
		Use:           "empathy-ledger",
		Short:         "Campaign workflow service for the Empathy Ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and MCP tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides server.addr)")
		cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides logging.level)")
	}
	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
