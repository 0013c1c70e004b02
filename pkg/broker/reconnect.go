package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/editorbridge/editorbridge/pkg/discovery"
	"github.com/editorbridge/editorbridge/pkg/logging"
)

// Reconnect poll tuning. The initial delay doubles up to the cap until
// the overall budget runs out.
const (
	DefaultReloadPollInitial = 500 * time.Millisecond
	DefaultReloadPollMax     = 2 * time.Second
	DefaultReloadTimeout     = 60 * time.Second
)

// ErrNotRunning reports that no live host could be found.
var ErrNotRunning = errors.New("host not running")

// Controller maintains the session to the agent across host reloads.
// EnsureConnection is the single entry point callers use before every
// request; it reconnects, waits out reloads, and reports hosts that are
// genuinely gone.
type Controller struct {
	startDir string
	logger   *slog.Logger
	dialOpts []DialOption

	pollInitial time.Duration
	pollMax     time.Duration
	waitBudget  time.Duration

	mu       sync.Mutex
	conn     *Conn
	lastPort int
	lastPid  int
}

// NewController creates a controller that discovers the host upward from
// startDir.
func NewController(startDir string, opts ...DialOption) *Controller {
	return &Controller{
		startDir:    startDir,
		logger:      logging.NewDiscardLogger(),
		dialOpts:    opts,
		pollInitial: DefaultReloadPollInitial,
		pollMax:     DefaultReloadPollMax,
		waitBudget:  DefaultReloadTimeout,
	}
}

// SetLogger sets the controller logger.
func (r *Controller) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetPollTuning overrides the reload poll intervals and budget.
func (r *Controller) SetPollTuning(initial, max, budget time.Duration) {
	r.pollInitial, r.pollMax, r.waitBudget = initial, max, budget
}

// Current returns the live connection, or nil.
func (r *Controller) Current() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && !r.conn.Closed() {
		return r.conn
	}
	return nil
}

// LastPid returns the host pid seen on the most recent successful
// connection.
func (r *Controller) LastPid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPid
}

// EnsureConnection returns a live, ping-validated connection.
//
// With expectingReload=false: a healthy current connection is reused;
// otherwise the discovery record is re-read and a fresh dial attempted,
// falling back to the reload wait while the cached host pid stays alive.
//
// With expectingReload=true: the current connection is never reused (the
// caller just triggered a teardown) and the wait loop refuses servers
// still on the pre-reload port until a disconnect or port change was
// observed.
func (r *Controller) EnsureConnection(ctx context.Context, expectingReload bool) (*Conn, error) {
	r.mu.Lock()
	conn := r.conn
	lastPort := r.lastPort
	lastPid := r.lastPid
	r.mu.Unlock()

	sawDisconnect := false

	if conn != nil {
		if expectingReload {
			// The pre-reload server may be momentarily reachable; never
			// hand it back.
			sawDisconnect = conn.RemoteClosed()
			conn.Close()
		} else if !conn.Closed() {
			pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
			_, err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				return conn, nil
			}
			r.logger.Info("current connection failed ping, reconnecting", "error", err)
			conn.Close()
		} else {
			sawDisconnect = conn.RemoteClosed()
		}
	}

	if !expectingReload {
		rec, err := r.locate()
		if err == nil {
			fresh, dialErr := r.dial(ctx, rec)
			if dialErr == nil {
				return fresh, nil
			}
			r.logger.Info("dial from discovery record failed", "port", rec.Port, "error", dialErr)
		} else {
			r.logger.Debug("discovery record unavailable", "error", err)
		}
	}

	if lastPid == 0 || !discovery.VerifyPID(lastPid) {
		return nil, fmt.Errorf("%w: no reachable agent and no live host process", ErrNotRunning)
	}

	return r.waitForReload(ctx, expectingReload, lastPort, lastPid, sawDisconnect)
}

// waitForReload polls the discovery record with exponential backoff
// until a fresh agent accepts a ping or the budget runs out.
func (r *Controller) waitForReload(ctx context.Context, expectingReload bool, lastPort, lastPid int, sawDisconnect bool) (*Conn, error) {
	deadline := time.Now().Add(r.waitBudget)
	delay := r.pollInitial
	var lastErr error = ErrNotRunning

	r.logger.Info("waiting for host reload", "lastPort", lastPort, "pid", lastPid)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > r.pollMax {
			delay = r.pollMax
		}

		rec, err := r.locate()
		if err != nil {
			lastErr = err
			continue
		}
		if !discovery.VerifyPID(rec.Pid) {
			lastErr = fmt.Errorf("%w: host pid %d died during reload", ErrNotRunning, rec.Pid)
			continue
		}

		if expectingReload && !sawDisconnect && rec.Port == lastPort {
			// Still the pre-reload server; the record has not been
			// rewritten yet.
			lastErr = fmt.Errorf("agent still on pre-reload port %d", rec.Port)
			continue
		}

		fresh, err := r.dial(ctx, rec)
		if err != nil {
			lastErr = err
			continue
		}
		r.logger.Info("reconnected after reload", "port", rec.Port)
		return fresh, nil
	}

	if !discovery.VerifyPID(lastPid) {
		return nil, fmt.Errorf("%w: host exited while waiting for reload", ErrNotRunning)
	}
	return nil, fmt.Errorf("reload wait budget exhausted: %w", lastErr)
}

func (r *Controller) locate() (*discovery.Record, error) {
	return discovery.Locate(r.startDir)
}

func (r *Controller) dial(ctx context.Context, rec *discovery.Record) (*Conn, error) {
	opts := append([]DialOption{WithLogger(r.logger)}, r.dialOpts...)
	conn, err := Dial(ctx, rec.Port, opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.conn != nil && r.conn != conn {
		r.conn.Close()
	}
	r.conn = conn
	r.lastPort = rec.Port
	r.lastPid = rec.Pid
	r.mu.Unlock()
	return conn, nil
}

// Close tears down the current connection, if any.
func (r *Controller) Close() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
