package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/editorbridge/editorbridge/pkg/broker"
	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	projectFlag       string
	logLevelFlag      string
	logFormatFlag     string
	timeoutFlag       time.Duration
	traceEndpointFlag string
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "MCP broker bridging an agent framework to the editor host",
	Long: `Bridge is launched by an MCP-speaking agent framework over stdio.
It discovers the editor host through the project's discovery record,
keeps a resilient loopback session to the in-host agent across script
reloads, and mirrors whatever tools the host currently exposes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project root (defaults to walking up from the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "json", "log format (json|text)")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", broker.DefaultRequestTimeout, "per-request timeout")
	rootCmd.Flags().StringVar(&traceEndpointFlag, "trace-endpoint", "", "OTLP/HTTP trace endpoint (disabled when empty)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func startDir() string {
	if projectFlag != "" {
		return projectFlag
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func runServe() error {
	// stdout carries the outer protocol; all logging goes to stderr.
	logger := logging.NewStructuredLogger(logging.Config{
		Level:     logging.ParseLevel(logLevelFlag),
		Format:    logging.ParseFormat(logFormatFlag),
		Output:    os.Stderr,
		Component: "broker",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := telemetry.Init(ctx, traceEndpointFlag, version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		shutdownTraces(flushCtx)
	}()

	ctrl := broker.NewController(startDir(),
		broker.WithLogger(logger),
		broker.WithRequestTimeout(timeoutFlag),
	)
	ctrl.SetLogger(logger)
	defer ctrl.Close()

	mcpServer := server.NewMCPServer("editorbridge", version,
		server.WithToolCapabilities(true),
	)
	surface := broker.NewSurface(mcpServer, ctrl)
	surface.SetLogger(logger)

	// Mirror the catalog as soon as the host is reachable; keep trying
	// in the background if it is not up yet.
	go func() {
		for {
			_, err := surface.Connect(ctx, false)
			if err == nil {
				return
			}
			logger.Info("host not reachable yet", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	logger.Info("bridge serving on stdio", "version", version)
	return server.ServeStdio(mcpServer)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
