// Package hostsim runs a stand-in for the editor process: a ticking
// main loop, a menu table, source-change reloads, and the embedded
// bridge agent. It exists so the whole bridge is runnable and testable
// without a real editor.
package hostsim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/editorbridge/editorbridge/pkg/agent"
	"github.com/editorbridge/editorbridge/pkg/agent/tools"
	"github.com/editorbridge/editorbridge/pkg/config"
	"github.com/editorbridge/editorbridge/pkg/logging"
)

// Host simulates the editor process owning the bridge agent.
type Host struct {
	projectRoot string
	cfg         *config.Config
	logger      *slog.Logger
	buffer      *logging.LogBuffer
	waker       agent.Waker

	version  atomic.Int64
	serverMu sync.Mutex
	server   *agent.Server
	reloadCh chan struct{}
}

// New creates a host simulator over a project root. Console output goes
// to stderr and the rotating agent log; every record also lands in the
// ring buffer behind the console_log tool.
func New(projectRoot string, cfg *config.Config) (*Host, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	buffer := logging.NewLogBuffer(cfg.Log.BufferSize)
	rotating := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	base := logging.NewStructuredLogger(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    logging.ParseFormat(cfg.Log.Format),
		Output:    io.MultiWriter(os.Stderr, rotating),
		Component: "host",
	})
	logger := slog.New(logging.NewBufferHandler(base.Handler(), buffer))

	return &Host{
		projectRoot: root,
		cfg:         cfg,
		logger:      logger,
		buffer:      buffer,
		waker:       agent.NewPlatformWaker(),
		reloadCh:    make(chan struct{}, 1),
	}, nil
}

// Logger returns the host logger.
func (h *Host) Logger() *slog.Logger {
	return h.logger
}

// Port returns the current agent port. Changes across reloads.
func (h *Host) Port() int {
	return h.currentServer().Port()
}

func (h *Host) currentServer() *agent.Server {
	h.serverMu.Lock()
	defer h.serverMu.Unlock()
	return h.server
}

// Run starts the agent and drives the main loop until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if err := h.startAgent(); err != nil {
		return err
	}

	if h.cfg.Watch.Enabled {
		watcher := NewWatcher(filepath.Join(h.projectRoot, "Assets"), h.RequestReload)
		watcher.SetLogger(h.logger)
		watcher.SetDebounce(time.Duration(h.cfg.Watch.DebounceMillis) * time.Millisecond)
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("source watcher stopped", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(time.Duration(h.cfg.Host.TickMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return h.currentServer().Shutdown()

		case <-ticker.C:
			h.currentServer().DrainMainThread(ctx)

			// Reloads run on the main loop after the drain so the
			// triggering call's response is already on the wire.
			select {
			case <-h.reloadCh:
				if err := h.reload(); err != nil {
					h.logger.Error("reload failed", "error", err)
					return err
				}
			default:
			}
		}
	}
}

// RequestReload schedules a reload on the next main-loop tick. Safe to
// call from any goroutine; coalesces repeated requests.
func (h *Host) RequestReload() {
	select {
	case h.reloadCh <- struct{}{}:
	default:
	}
}

// reload tears the agent down and recreates it: new registry with a
// bumped version, new port, overwritten discovery record, same process.
func (h *Host) reload() error {
	h.logger.Info("reloading scripts", "version", h.version.Load()+1)
	if err := h.currentServer().Shutdown(); err != nil {
		h.logger.Warn("teardown during reload", "error", err)
	}
	return h.startAgent()
}

func (h *Host) startAgent() error {
	version := int(h.version.Add(1))

	registry := agent.NewRegistry(version)
	registry.SetLogger(h.logger)

	menu := tools.NewMenuTable()
	menu.Add("Assets/Refresh", func(context.Context) error {
		h.logger.Info("asset database refresh")
		h.RequestReload()
		return nil
	})
	menu.Add("Assets/Reimport All", func(context.Context) error {
		h.logger.Info("reimporting all assets")
		h.RequestReload()
		return nil
	})
	menu.Add("File/Save Project", func(context.Context) error {
		h.logger.Info("project saved")
		return nil
	})

	for _, err := range []error{
		registry.Register(tools.NewConsoleLog(h.buffer)),
		registry.Register(tools.NewExecuteMenuItem(menu)),
		registry.Register(tools.NewProjectInfo(h.snapshot(registry))),
	} {
		if err != nil {
			h.logger.Warn("tool skipped", "error", err)
		}
	}

	server := agent.NewServer(agent.HostInfo{
		Version:     h.cfg.Host.Version,
		ProjectName: h.cfg.Host.Name,
		ProjectPath: h.projectRoot,
	}, registry)
	server.SetLogger(h.logger)
	server.SetWaker(h.waker)

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	h.serverMu.Lock()
	h.server = server
	h.serverMu.Unlock()
	return nil
}

func (h *Host) snapshot(registry *agent.Registry) func() tools.ProjectSnapshot {
	return func() tools.ProjectSnapshot {
		return tools.ProjectSnapshot{
			Name:        h.cfg.Host.Name,
			Path:        h.projectRoot,
			HostVersion: h.cfg.Host.Version,
			ToolCount:   registry.Len(),
		}
	}
}
