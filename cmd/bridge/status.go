package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/editorbridge/editorbridge/pkg/broker"
	"github.com/editorbridge/editorbridge/pkg/discovery"
	"github.com/editorbridge/editorbridge/pkg/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show host reachability and the current tool catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	printer := output.New()

	root, err := discovery.FindProjectRoot(startDir())
	if err != nil {
		printer.Error("no project found", "start", startDir())
		return err
	}

	rec, err := discovery.Read(root)
	if err != nil {
		printer.Host(output.HostSummary{Project: root, Status: "missing"})
		printer.Info("no discovery record; is the host running?")
		return nil
	}

	summary := output.HostSummary{
		Project: root,
		Port:    rec.Port,
		PID:     rec.Pid,
	}

	if !discovery.VerifyPID(rec.Pid) {
		summary.Status = "stale"
		printer.Host(summary)
		printer.Warn("discovery record is stale", "pid", rec.Pid)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := broker.Dial(ctx, rec.Port, broker.WithRequestTimeout(timeoutFlag))
	if err != nil {
		summary.Status = "unreachable"
		printer.Host(summary)
		printer.Error("agent did not respond", "error", err)
		return nil
	}
	defer conn.Close()

	ping, err := conn.Ping(ctx)
	if err != nil {
		summary.Status = "unreachable"
		printer.Host(summary)
		return nil
	}
	summary.Status = "reachable"
	summary.Version = ping.HostVersion
	printer.Host(summary)

	catalog, err := conn.ListTools(ctx)
	if err != nil {
		printer.Error("fetching tool catalog", "error", err)
		return nil
	}

	tools := make([]output.ToolSummary, 0, len(catalog.Tools))
	for _, d := range catalog.Tools {
		lane := "background"
		if d.RequiresMainThread {
			lane = "main-thread"
		}
		tools = append(tools, output.ToolSummary{
			Name:        d.Name,
			Lane:        lane,
			Description: d.Description,
		})
	}
	printer.Tools(catalog.Version, tools)
	return nil
}
