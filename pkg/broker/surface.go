package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/toolspec"
)

// DefaultSettleDelay is how long the broker lets a reload-triggering
// call settle before probing for the fresh agent.
const DefaultSettleDelay = 500 * time.Millisecond

// DefaultReloadMenuPaths are the menu items known to tear the agent
// down. Matching is by name on the broker side; the host reloads
// regardless, so a miss here only costs the caller a retry.
var DefaultReloadMenuPaths = []string{
	"Assets/Refresh",
	"Assets/Reimport All",
}

// Surface mirrors the agent's tool catalog onto the outer MCP server.
// Each agent tool becomes an outer tool whose handler proxies back over
// invoke_tool. Registrations are never removed: the outer framework
// caches the list at session start.
type Surface struct {
	server      *server.MCPServer
	ctrl        *Controller
	logger      *slog.Logger
	tracer      trace.Tracer
	settleDelay time.Duration
	reloadPaths map[string]bool

	mu            sync.Mutex
	registered    map[string]bool
	cachedVersion int
}

// NewSurface creates the dynamic tool surface bridging ctrl to srv.
func NewSurface(srv *server.MCPServer, ctrl *Controller) *Surface {
	reloadPaths := make(map[string]bool, len(DefaultReloadMenuPaths))
	for _, p := range DefaultReloadMenuPaths {
		reloadPaths[p] = true
	}
	return &Surface{
		server:      srv,
		ctrl:        ctrl,
		logger:      logging.NewDiscardLogger(),
		tracer:      otel.Tracer("editorbridge/broker"),
		settleDelay: DefaultSettleDelay,
		reloadPaths: reloadPaths,
		registered:  make(map[string]bool),
	}
}

// SetLogger sets the surface logger.
func (s *Surface) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetSettleDelay overrides the post-reload-trigger settle delay.
func (s *Surface) SetSettleDelay(d time.Duration) {
	s.settleDelay = d
}

// Connect establishes (or re-establishes) the agent session and syncs
// the tool catalog. Called before every proxied request and once at
// broker startup.
func (s *Surface) Connect(ctx context.Context, expectingReload bool) (*Conn, error) {
	conn, err := s.ctrl.EnsureConnection(ctx, expectingReload)
	if err != nil {
		return nil, err
	}
	if err := s.Sync(ctx, conn); err != nil {
		// A failed sync leaves previously registered tools serving; the
		// next connect retries.
		s.logger.Warn("tool sync failed", "error", err)
	}
	return conn, nil
}

// Sync fetches the catalog and registers any tool not yet mirrored.
// When the version matches the cache and at least one tool is already
// registered, sync is a no-op.
func (s *Surface) Sync(ctx context.Context, conn *Conn) error {
	catalog, err := conn.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("fetching tool catalog: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if catalog.Version == s.cachedVersion && len(s.registered) > 0 {
		return nil
	}

	added := 0
	for _, desc := range catalog.Tools {
		if s.registered[desc.Name] {
			continue
		}
		s.server.AddTool(s.translate(desc), s.handler(desc.Name))
		s.registered[desc.Name] = true
		added++
	}
	s.cachedVersion = catalog.Version

	s.logger.Info("tool catalog synced", "version", catalog.Version, "tools", len(catalog.Tools), "added", added)
	return nil
}

// CachedVersion returns the last synced catalog version.
func (s *Surface) CachedVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedVersion
}

// translate converts a descriptor into the outer framework's tool form.
// The parameter schema passes through as raw JSON so types, ranges,
// enums, defaults, required sets, and descriptions survive unchanged.
func (s *Surface) translate(desc toolspec.Descriptor) mcp.Tool {
	return mcp.NewToolWithRawSchema(desc.Name, desc.Description, desc.RawSchema())
}

// handler builds the outer-framework handler proxying one tool.
func (s *Surface) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := s.tracer.Start(ctx, "bridge.invoke_tool",
			trace.WithAttributes(attribute.String("tool", name)))
		defer span.End()

		args := req.GetArguments()
		arguments, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding arguments: %v", err)), nil
		}

		conn, err := s.Connect(ctx, false)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return mcp.NewToolResultError(fmt.Sprintf("host not reachable: %v", err)), nil
		}

		result, err := conn.InvokeTool(ctx, name, string(arguments))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return mcp.NewToolResultError(err.Error()), nil
		}

		advisory := ""
		if s.isReloadTrigger(name, args) {
			advisory = s.awaitReload(ctx)
		}
		return formatResult(result, advisory), nil
	}
}

// isReloadTrigger reports whether this invocation is known to tear the
// agent down.
func (s *Surface) isReloadTrigger(name string, args map[string]any) bool {
	if name != "execute_menu_item" {
		return false
	}
	path, _ := args["menu_path"].(string)
	return s.reloadPaths[path]
}

// awaitReload gives the host a settle delay, then rides the reconnect
// controller through the reload. The returned advisory tells the caller
// whether the host came back verified.
func (s *Surface) awaitReload(ctx context.Context) string {
	s.logger.Info("reload-triggering call completed, waiting for host")
	select {
	case <-ctx.Done():
		return "host may still be reloading"
	case <-time.After(s.settleDelay):
	}

	if _, err := s.Connect(ctx, true); err != nil {
		s.logger.Warn("host did not come back after reload", "error", err)
		return "host may still be reloading"
	}
	return "host reloaded and ready"
}

// formatResult passes the tool's JSON payload through as structured
// content when parseable, verbatim text otherwise. The advisory, if
// any, is appended as an extra text item.
func formatResult(data, advisory string) *mcp.CallToolResult {
	var result *mcp.CallToolResult

	var structured any
	if err := json.Unmarshal([]byte(data), &structured); err == nil {
		switch structured.(type) {
		case map[string]any, []any:
			result = mcp.NewToolResultStructured(structured, data)
		}
	}
	if result == nil {
		result = mcp.NewToolResultText(data)
	}

	if advisory != "" {
		result.Content = append(result.Content, mcp.NewTextContent(advisory))
	}
	return result
}
