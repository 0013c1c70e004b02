package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/editorbridge/editorbridge/pkg/discovery"
	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/wire"
)

// HostInfo identifies the host the agent runs inside.
type HostInfo struct {
	Version     string
	ProjectName string
	ProjectPath string
}

// pendingCall is one main-thread-lane request waiting for the drain,
// keeping its origin writer so the response lands on the right stream.
type pendingCall struct {
	id        string
	tool      string
	arguments string
	writer    *wire.Writer
}

// Server is the in-host agent: a loopback TCP listener with one reader
// goroutine per connection, a background lane executed inline by the
// reader, and a main-thread lane drained once per host tick.
type Server struct {
	info     HostInfo
	registry *Registry
	waker    Waker
	logger   *slog.Logger

	lis  net.Listener
	port int

	queueMu sync.Mutex
	queue   []pendingCall

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	closed atomic.Bool

	wg sync.WaitGroup
}

// NewServer creates an agent server for the given host and registry.
func NewServer(info HostInfo, registry *Registry) *Server {
	return &Server{
		info:     info,
		registry: registry,
		waker:    NopWaker{},
		logger:   logging.NewDiscardLogger(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// SetLogger sets the logger for server events.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetWaker sets the window waker invoked around main-thread-lane work.
func (s *Server) SetWaker(w Waker) {
	if w != nil {
		s.waker = w
	}
}

// Start freezes the registry, binds a dynamic loopback port, writes the
// discovery record, and begins accepting connections. Must be called
// from the host main thread so the waker can capture the window handle.
func (s *Server) Start() error {
	s.registry.Freeze()
	s.waker.Initialize()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding loopback listener: %w", err)
	}
	s.lis = lis
	s.port = lis.Addr().(*net.TCPAddr).Port

	rec := discovery.Record{
		Port:        s.port,
		Pid:         os.Getpid(),
		ProjectPath: s.info.ProjectPath,
	}
	if err := discovery.Write(rec); err != nil {
		lis.Close()
		return fmt.Errorf("publishing discovery record: %w", err)
	}

	s.logger.Info("agent listening", "port", s.port, "version", s.registry.Version())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Port returns the bound listener port.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			return
		}

		if s.closed.Load() {
			conn.Close()
			return
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	reader := wire.NewReader(conn)
	writer := wire.NewWriter(conn)

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			var perr *wire.ParseError
			if errors.As(err, &perr) {
				resp := wire.NewErrorResponse(perr.BestEffortID(), "protocol: "+perr.Error())
				if werr := writer.WriteResponse(resp); werr != nil {
					return
				}
				continue
			}
			// EOF and socket errors end the reader; the connection is
			// removed on the way out.
			return
		}
		s.dispatch(req, writer)
	}
}

// dispatch routes one request onto its lane. ping and list_tools are
// always background-safe; invoke_tool follows the target tool's flag,
// with unknown tools answered on the background lane so the error is
// immediate.
func (s *Server) dispatch(req wire.Request, writer *wire.Writer) {
	switch req.Cmd {
	case wire.CmdPing:
		s.writeResponse(writer, wire.NewSuccessResponse(req.ID, wire.PingResult{
			Status:      "ok",
			HostVersion: s.info.Version,
			ProjectName: s.info.ProjectName,
		}))

	case wire.CmdListTools:
		s.writeResponse(writer, wire.NewSuccessResponse(req.ID, s.registry.Catalog()))

	case wire.CmdInvokeTool:
		s.dispatchInvoke(req, writer)

	default:
		s.writeResponse(writer, wire.NewErrorResponse(req.ID, fmt.Sprintf("protocol: unknown command %q", req.Cmd)))
	}
}

func (s *Server) dispatchInvoke(req wire.Request, writer *wire.Writer) {
	if req.Params == "" {
		s.writeResponse(writer, wire.NewErrorResponse(req.ID, "protocol: invoke_tool requires params"))
		return
	}

	var params wire.InvokeParams
	if err := json.Unmarshal([]byte(req.Params), &params); err != nil {
		s.writeResponse(writer, wire.NewErrorResponse(req.ID, fmt.Sprintf("protocol: parsing invoke_tool params: %v", err)))
		return
	}
	if params.Tool == "" {
		s.writeResponse(writer, wire.NewErrorResponse(req.ID, "protocol: invoke_tool params missing tool"))
		return
	}

	tool, ok := s.registry.Get(params.Tool)
	if !ok || !tool.RequiresMainThread() {
		// Background lane. Unknown tools land here too so the not-found
		// response is immediate.
		s.writeResponse(writer, s.registry.Invoke(context.Background(), req.ID, params.Tool, params.Arguments))
		return
	}

	s.queueMu.Lock()
	if s.closed.Load() {
		s.queueMu.Unlock()
		s.writeResponse(writer, wire.NewErrorResponse(req.ID, "lifecycle: agent is shutting down"))
		return
	}
	s.queue = append(s.queue, pendingCall{
		id:        req.ID,
		tool:      params.Tool,
		arguments: params.Arguments,
		writer:    writer,
	})
	s.queueMu.Unlock()

	s.waker.WakeIfMinimized()
}

// DrainMainThread services every currently-queued main-thread request.
// The host main loop calls this once per tick. Returns the number of
// requests serviced.
func (s *Server) DrainMainThread(ctx context.Context) int {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	for _, call := range pending {
		resp := s.registry.Invoke(ctx, call.id, call.tool, call.arguments)
		s.writeResponse(call.writer, resp)
	}

	if len(pending) > 0 && s.waker.ShouldRestore() {
		s.waker.RestoreMinimizedState()
	}
	return len(pending)
}

// Shutdown stops accepting, fails queued main-thread work with a
// shutdown error, closes every stream, and removes the discovery record.
func (s *Server) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.lis != nil {
		s.lis.Close()
	}

	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()
	for _, call := range pending {
		s.writeResponse(call.writer, wire.NewErrorResponse(call.id, "lifecycle: agent is shutting down"))
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	if err := discovery.Delete(s.info.ProjectPath); err != nil {
		return fmt.Errorf("removing discovery record: %w", err)
	}
	s.logger.Info("agent stopped", "port", s.port)
	return nil
}

func (s *Server) isClosed() bool {
	return s.closed.Load()
}

func (s *Server) writeResponse(writer *wire.Writer, resp wire.Response) {
	if err := writer.WriteResponse(resp); err != nil {
		s.logger.Debug("response write failed", "id", resp.ID, "error", err)
	}
}
