package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/editorbridge/editorbridge/pkg/agent"
	"github.com/editorbridge/editorbridge/pkg/discovery"
)

// startAgent runs a real in-process agent over the given project with a
// drain pump, returning it with a stopper.
func startAgent(t *testing.T, projectRoot string, version int) (*agent.Server, func()) {
	t.Helper()

	registry := agent.NewRegistry(version)
	srv := agent.NewServer(agent.HostInfo{
		Version:     "2021.3.0f1",
		ProjectName: "demo",
		ProjectPath: projectRoot,
	}, registry)
	require.NoError(t, srv.Start())

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				srv.DrainMainThread(context.Background())
			}
		}
	}()

	var once bool
	stopper := func() {
		if once {
			return
		}
		once = true
		close(stop)
		srv.Shutdown()
	}
	t.Cleanup(stopper)
	return srv, stopper
}

func fastController(projectRoot string) *Controller {
	ctrl := NewController(projectRoot, WithRequestTimeout(time.Second))
	ctrl.SetPollTuning(10*time.Millisecond, 40*time.Millisecond, 2*time.Second)
	return ctrl
}

func TestEnsureConnection_FreshConnect(t *testing.T) {
	root := t.TempDir()
	srv, _ := startAgent(t, root, 1)

	ctrl := fastController(root)
	defer ctrl.Close()

	conn, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)

	result, err := conn.Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", result.Status)
	require.Equal(t, os.Getpid(), ctrl.LastPid())
	require.Equal(t, srv.Port(), ctrl.lastPort)
}

func TestEnsureConnection_ReusesHealthyConnection(t *testing.T) {
	root := t.TempDir()
	startAgent(t, root, 1)

	ctrl := fastController(root)
	defer ctrl.Close()

	first, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)
	second, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestEnsureConnection_NoHost(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Library"), 0o755))

	ctrl := fastController(root)
	_, err := ctrl.EnsureConnection(context.Background(), false)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestEnsureConnection_RecoversAfterRestart(t *testing.T) {
	root := t.TempDir()
	_, stopA := startAgent(t, root, 1)

	ctrl := fastController(root)
	defer ctrl.Close()

	conn, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)

	catalog, err := conn.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, catalog.Version)

	// The host reloads: agent torn down, recreated on a new port with a
	// bumped discovery version, same process.
	stopA()
	require.True(t, conn.Closed() || func() bool {
		_, err := conn.Ping(context.Background())
		return err != nil
	}(), "old connection must be unusable after teardown")

	srvB, _ := startAgent(t, root, 2)

	fresh, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)
	require.NotSame(t, conn, fresh)

	result, err := fresh.Ping(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", result.Status)

	catalog, err = fresh.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, catalog.Version, "tool version must increase across a reload")
	require.Equal(t, srvB.Port(), ctrl.lastPort)
}

func TestEnsureConnection_ExpectingReloadRejectsStaleServer(t *testing.T) {
	root := t.TempDir()
	startAgent(t, root, 1)

	ctrl := fastController(root)
	defer ctrl.Close()

	pre, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)
	prePort := ctrl.lastPort

	// The pre-reload server stays reachable and its record stays on
	// disk; an expected reload must refuse it.
	ctrl.SetPollTuning(10*time.Millisecond, 20*time.Millisecond, 150*time.Millisecond)
	_, err = ctrl.EnsureConnection(context.Background(), true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pre-reload")
	require.True(t, pre.Closed(), "expectingReload must drop the pre-reload connection")

	// Once the reloaded agent overwrites the record with a new port, the
	// wait accepts it.
	srvB, _ := startAgent(t, root, 2)
	ctrl.SetPollTuning(10*time.Millisecond, 40*time.Millisecond, 2*time.Second)

	fresh, err := ctrl.EnsureConnection(context.Background(), true)
	require.NoError(t, err)
	require.NotEqual(t, prePort, ctrl.lastPort)
	require.Equal(t, srvB.Port(), ctrl.lastPort)

	_, err = fresh.Ping(context.Background())
	require.NoError(t, err)
}

func TestEnsureConnection_StaleRecordDeadPid(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, discovery.Write(discovery.Record{
		Port: 60000, Pid: 1 << 30, ProjectPath: root,
	}))

	ctrl := fastController(root)
	_, err := ctrl.EnsureConnection(context.Background(), false)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestEnsureConnection_ContextCancelDuringWait(t *testing.T) {
	root := t.TempDir()
	_, stopA := startAgent(t, root, 1)

	ctrl := fastController(root)
	_, err := ctrl.EnsureConnection(context.Background(), false)
	require.NoError(t, err)

	stopA()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Library"), 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ctrl.SetPollTuning(10*time.Millisecond, 20*time.Millisecond, 10*time.Second)

	_, err = ctrl.EnsureConnection(ctx, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotRunning))
}
