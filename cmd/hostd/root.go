package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/editorbridge/editorbridge/internal/hostsim"
	"github.com/editorbridge/editorbridge/pkg/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var projectFlag string

var rootCmd = &cobra.Command{
	Use:   "hostd",
	Short: "Editor host simulator with the embedded bridge agent",
	Long: `Hostd simulates an editor process for the bridge: it runs the
in-host agent on a loopback port, ticks a main loop that services
main-thread tool calls, and reloads the agent when project sources
change or a refresh menu item runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hostd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", ".", "project root directory")
	rootCmd.AddCommand(versionCmd)
}

func runHost() error {
	root, err := filepath.Abs(projectFlag)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if cfg.Host.Version == "0.1.0" {
		cfg.Host.Version = version
	}

	host, err := hostsim.New(root, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host.Logger().Info("host starting", "project", root, "version", cfg.Host.Version)
	if err := host.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
