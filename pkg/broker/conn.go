// Package broker implements the external side of the bridge: the TCP
// connection to the in-host agent, the reconnect controller that
// survives host reloads, and the dynamic tool surface exposed to the
// outer framework.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/toolspec"
	"github.com/editorbridge/editorbridge/pkg/wire"
)

// DefaultRequestTimeout is the per-request timeout unless a caller
// configures otherwise.
const DefaultRequestTimeout = 30 * time.Second

// PingTimeout bounds the liveness ping issued right after connect.
const PingTimeout = 5 * time.Second

// ErrClosed reports a request failed because the connection closed.
var ErrClosed = errors.New("connection closed")

// ErrTimeout reports a request whose response never arrived in time.
var ErrTimeout = errors.New("request timed out")

// RequestError is a wire-level failure: the agent answered ok=false.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Conn is one TCP session with the agent. All I/O is safe for
// concurrent use; responses are correlated by request id, never by
// order.
type Conn struct {
	conn    net.Conn
	writer  *wire.Writer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan wire.Response
	closed  bool
	remote  bool
	onClose func()
}

// DialOption configures a Conn.
type DialOption func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) DialOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCloseHandler installs a callback fired once when the connection
// drops, whether by error or explicit Close. The reconnect controller
// subscribes here.
func WithCloseHandler(fn func()) DialOption {
	return func(c *Conn) {
		c.onClose = fn
	}
}

// Dial connects to the agent on a loopback port and validates liveness
// with a ping. A ping that does not succeed within PingTimeout fails
// the dial.
func Dial(ctx context.Context, port int, opts ...DialOption) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("connecting to agent on port %d: %w", port, err)
	}

	c := &Conn{
		conn:    raw,
		writer:  wire.NewWriter(raw),
		logger:  logging.NewDiscardLogger(),
		timeout: DefaultRequestTimeout,
		pending: make(map[string]chan wire.Response),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if _, err := c.Ping(pingCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("agent did not answer ping: %w", err)
	}
	return c, nil
}

// Ping checks agent liveness and returns host identity.
func (c *Conn) Ping(ctx context.Context) (*wire.PingResult, error) {
	resp, err := c.call(ctx, wire.CmdPing, "")
	if err != nil {
		return nil, err
	}
	var result wire.PingResult
	if err := json.Unmarshal([]byte(resp.Data), &result); err != nil {
		return nil, fmt.Errorf("decoding ping result: %w", err)
	}
	return &result, nil
}

// ListTools fetches the versioned tool catalog.
func (c *Conn) ListTools(ctx context.Context) (*toolspec.Catalog, error) {
	resp, err := c.call(ctx, wire.CmdListTools, "")
	if err != nil {
		return nil, err
	}
	var catalog toolspec.Catalog
	if err := json.Unmarshal([]byte(resp.Data), &catalog); err != nil {
		return nil, fmt.Errorf("decoding tool catalog: %w", err)
	}
	return &catalog, nil
}

// InvokeTool runs a named tool. arguments is a JSON document matching
// the tool's parameter schema. Returns the tool's raw JSON result.
func (c *Conn) InvokeTool(ctx context.Context, tool, arguments string) (string, error) {
	params, err := json.Marshal(wire.InvokeParams{Tool: tool, Arguments: arguments})
	if err != nil {
		return "", fmt.Errorf("encoding invoke params: %w", err)
	}
	resp, err := c.call(ctx, wire.CmdInvokeTool, string(params))
	if err != nil {
		return "", err
	}
	return resp.Data, nil
}

// call sends one request and waits for its response, the per-request
// timeout, or ctx cancellation, whichever is first.
func (c *Conn) call(ctx context.Context, cmd, params string) (wire.Response, error) {
	id := uuid.NewString()

	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := wire.Request{ID: id, Cmd: cmd, Params: params}
	c.logger.Debug("sending request", "cmd", cmd, "id", id)
	if err := c.writer.WriteRequest(req); err != nil {
		c.removePending(id)
		return wire.Response{}, fmt.Errorf("sending %s: %w", cmd, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.removePending(id)
		return wire.Response{}, ctx.Err()
	case <-timer.C:
		c.removePending(id)
		c.logger.Debug("request timed out", "cmd", cmd, "id", id)
		return wire.Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd, c.timeout)
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrClosed
		}
		if !resp.OK {
			return wire.Response{}, &RequestError{Message: resp.Error}
		}
		return resp, nil
	}
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches incoming responses by id. A response for an id
// with no waiter (already timed out) is logged and discarded.
func (c *Conn) readLoop() {
	reader := wire.NewReader(c.conn)
	for {
		resp, err := reader.ReadResponse()
		if err != nil {
			var perr *wire.ParseError
			if errors.As(err, &perr) {
				c.logger.Warn("discarding unparseable line from agent", "error", err)
				continue
			}
			c.teardown(true)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("discarding late response", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Close drops the socket and fails every pending waiter with ErrClosed.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.teardown(false)
	return nil
}

func (c *Conn) teardown(remote bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.remote = remote
	pending := c.pending
	c.pending = nil
	onClose := c.onClose
	c.mu.Unlock()

	c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if onClose != nil {
		onClose()
	}
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteClosed reports whether the teardown was initiated by the peer
// (socket error or EOF) rather than by Close. The reconnect controller
// uses this as the observed-disconnect signal during a reload.
func (c *Conn) RemoteClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && c.remote
}
