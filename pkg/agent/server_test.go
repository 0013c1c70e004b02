package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/editorbridge/editorbridge/pkg/discovery"
	"github.com/editorbridge/editorbridge/pkg/toolspec"
	"github.com/editorbridge/editorbridge/pkg/wire"
)

// recordingWaker counts waker transitions for the wake policy tests.
type recordingWaker struct {
	mu       sync.Mutex
	wakes    int
	restores int
	woken    bool
}

func (w *recordingWaker) Initialize() {}

func (w *recordingWaker) WakeIfMinimized() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
	w.woken = true
}

func (w *recordingWaker) ShouldRestore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.woken
}

func (w *recordingWaker) RestoreMinimizedState() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restores++
	w.woken = false
}

type testHost struct {
	server *Server
	waker  *recordingWaker
	root   string
	stop   chan struct{}
}

// startHost runs an agent with a pumping main loop, echo tools on both
// lanes, and a blocking main-thread tool gated on the returned channel.
func startHost(t *testing.T, extra ...Tool) (*testHost, chan struct{}) {
	t.Helper()

	root := t.TempDir()
	gate := make(chan struct{})

	registry := NewRegistry(1)
	registry.Register(echoTool())
	registry.Register(&fakeTool{
		name:   "main_echo",
		main:   true,
		schema: toolspec.Object(map[string]*toolspec.Schema{"msg": toolspec.String("message")}, "msg"),
		fn: func(_ context.Context, args map[string]any) (string, error) {
			data, _ := json.Marshal(map[string]any{"echo": args["msg"]})
			return string(data), nil
		},
	})
	registry.Register(&fakeTool{
		name:   "slow_main",
		main:   true,
		schema: toolspec.Object(nil),
		fn: func(context.Context, map[string]any) (string, error) {
			<-gate
			return `{"done":true}`, nil
		},
	})
	for _, tool := range extra {
		registry.Register(tool)
	}

	waker := &recordingWaker{}
	server := NewServer(HostInfo{Version: "2021.3.0f1", ProjectName: "demo", ProjectPath: root}, registry)
	server.SetWaker(waker)
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				server.DrainMainThread(context.Background())
			}
		}
	}()

	host := &testHost{server: server, waker: waker, root: root, stop: stop}
	t.Cleanup(func() {
		close(stop)
		server.Shutdown()
	})
	return host, gate
}

func dialHost(t *testing.T, h *testHost) (net.Conn, *wire.Reader, *wire.Writer) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", h.server.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, wire.NewReader(conn), wire.NewWriter(conn)
}

func invokeParams(tool, arguments string) string {
	data, _ := json.Marshal(wire.InvokeParams{Tool: tool, Arguments: arguments})
	return string(data)
}

func TestServer_Ping(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	w.WriteRequest(wire.Request{ID: "a", Cmd: "ping", Params: ""})
	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !resp.OK || resp.ID != "a" || resp.Error != "" {
		t.Fatalf("got %+v", resp)
	}

	var result wire.PingResult
	if err := json.Unmarshal([]byte(resp.Data), &result); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
	if result.Status != "ok" || result.HostVersion != "2021.3.0f1" || result.ProjectName != "demo" {
		t.Errorf("got %+v", result)
	}
}

func TestServer_ListTools(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	w.WriteRequest(wire.Request{ID: "b", Cmd: "list_tools"})
	resp, _ := r.ReadResponse()
	if !resp.OK {
		t.Fatalf("got %+v", resp)
	}

	var cat toolspec.Catalog
	if err := json.Unmarshal([]byte(resp.Data), &cat); err != nil {
		t.Fatalf("decoding catalog: %v", err)
	}
	if cat.Version < 1 {
		t.Errorf("version = %d", cat.Version)
	}
	for _, d := range cat.Tools {
		if d.Name == "" {
			t.Error("tool with empty name in catalog")
		}
		if _, err := d.Schema(); err != nil {
			t.Errorf("tool %s schema: %v", d.Name, err)
		}
	}
}

func TestServer_InvokeUnknownTool(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	w.WriteRequest(wire.Request{ID: "c", Cmd: "invoke_tool", Params: invokeParams("nope", "{}")})
	resp, _ := r.ReadResponse()
	if resp.OK || !strings.Contains(resp.Error, "nope") {
		t.Errorf("got %+v", resp)
	}
}

func TestServer_InvokeBadArgs(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	w.WriteRequest(wire.Request{ID: "d", Cmd: "invoke_tool", Params: invokeParams("echo", "{}")})
	resp, _ := r.ReadResponse()
	if resp.OK || !strings.Contains(resp.Error, "invalid-arg") || !strings.Contains(resp.Error, `"msg"`) {
		t.Errorf("bad args must name the missing field, got %+v", resp)
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	host, _ := startHost(t)
	conn, r, w := dialHost(t, host)

	// Malformed line: best-effort id fallback.
	conn.Write([]byte("this is not json\n"))
	resp, _ := r.ReadResponse()
	if resp.OK || resp.ID != wire.UnknownID || !strings.Contains(resp.Error, "protocol") {
		t.Errorf("got %+v", resp)
	}

	w.WriteRequest(wire.Request{ID: "e", Cmd: "reboot"})
	resp, _ = r.ReadResponse()
	if resp.OK || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("got %+v", resp)
	}

	w.WriteRequest(wire.Request{ID: "f", Cmd: "invoke_tool", Params: ""})
	resp, _ = r.ReadResponse()
	if resp.OK || !strings.Contains(resp.Error, "protocol") {
		t.Errorf("got %+v", resp)
	}
}

func TestServer_WriteAtomicityUnderConcurrency(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	// Alternate lanes so the reader goroutine and the drain write to the
	// stream concurrently.
	const n = 40
	for i := 0; i < n; i++ {
		go func(i int) {
			tool := "echo"
			if i%2 == 1 {
				tool = "main_echo"
			}
			args := fmt.Sprintf(`{"msg":"%s-%d"}`, strings.Repeat("x", 2048), i)
			w.WriteRequest(wire.Request{
				ID:     fmt.Sprintf("req-%d", i),
				Cmd:    "invoke_tool",
				Params: invokeParams(tool, args),
			})
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		resp, err := r.ReadResponse()
		if err != nil {
			t.Fatalf("response %d unreadable (interleaved write?): %v", i, err)
		}
		if !resp.OK {
			t.Fatalf("got %+v", resp)
		}
		if seen[resp.ID] {
			t.Fatalf("duplicate response id %s", resp.ID)
		}
		seen[resp.ID] = true
	}
}

func TestServer_MainThreadFIFO(t *testing.T) {
	var order []string
	var mu sync.Mutex
	tracker := &fakeTool{
		name:   "track",
		main:   true,
		schema: toolspec.Object(map[string]*toolspec.Schema{"tag": toolspec.String("tag")}, "tag"),
		fn: func(_ context.Context, args map[string]any) (string, error) {
			mu.Lock()
			order = append(order, args["tag"].(string))
			mu.Unlock()
			return `{}`, nil
		},
	}
	host, _ := startHost(t, tracker)
	_, r, w := dialHost(t, host)

	const n = 10
	for i := 0; i < n; i++ {
		w.WriteRequest(wire.Request{
			ID:     fmt.Sprintf("m-%d", i),
			Cmd:    "invoke_tool",
			Params: invokeParams("track", fmt.Sprintf(`{"tag":"t%d"}`, i)),
		})
	}
	for i := 0; i < n; i++ {
		if _, err := r.ReadResponse(); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, tag := range order {
		if tag != fmt.Sprintf("t%d", i) {
			t.Fatalf("execution order broken: %v", order)
		}
	}
}

func TestServer_LaneIndependence(t *testing.T) {
	host, gate := startHost(t)
	_, r, w := dialHost(t, host)

	// Occupy the main lane, then ping on the same connection.
	w.WriteRequest(wire.Request{ID: "slow", Cmd: "invoke_tool", Params: invokeParams("slow_main", "{}")})
	time.Sleep(10 * time.Millisecond)
	w.WriteRequest(wire.Request{ID: "fast", Cmd: "ping"})

	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.ID != "fast" {
		t.Fatalf("ping must not wait behind main-lane work, first response was %q", resp.ID)
	}

	close(gate)
	resp, _ = r.ReadResponse()
	if resp.ID != "slow" || !resp.OK {
		t.Errorf("got %+v", resp)
	}
}

func TestServer_WakerPolicy(t *testing.T) {
	host, _ := startHost(t)
	_, r, w := dialHost(t, host)

	w.WriteRequest(wire.Request{ID: "m", Cmd: "invoke_tool", Params: invokeParams("main_echo", `{"msg":"x"}`)})
	if _, err := r.ReadResponse(); err != nil {
		t.Fatalf("read: %v", err)
	}

	// One wake per enqueue; the drain that serviced it restores.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		host.waker.mu.Lock()
		wakes, restores := host.waker.wakes, host.waker.restores
		host.waker.mu.Unlock()
		if wakes >= 1 && restores >= 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("waker transitions missing: %+v", host.waker)
}

func TestServer_DiscoveryLifecycle(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry(1)
	server := NewServer(HostInfo{Version: "1", ProjectName: "p", ProjectPath: root}, registry)
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec, err := discovery.Read(root)
	if err != nil {
		t.Fatalf("record missing after start: %v", err)
	}
	if rec.Port != server.Port() || rec.Pid != os.Getpid() {
		t.Errorf("record %+v does not match listener port %d / pid %d", rec, server.Port(), os.Getpid())
	}

	if err := server.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "Library", "MCPInstance.json")); !os.IsNotExist(err) {
		t.Error("record must be deleted on clean shutdown")
	}
}

func TestServer_ShutdownFailsQueuedWork(t *testing.T) {
	root := t.TempDir()
	registry := NewRegistry(1)
	registry.Register(&fakeTool{name: "stuck", main: true, schema: toolspec.Object(nil)})

	server := NewServer(HostInfo{Version: "1", ProjectName: "p", ProjectPath: root}, registry)
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// No drain pump: queued work stays queued until shutdown.

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r, w := wire.NewReader(conn), wire.NewWriter(conn)

	w.WriteRequest(wire.Request{ID: "q", Cmd: "invoke_tool", Params: invokeParams("stuck", "{}")})
	time.Sleep(20 * time.Millisecond)

	var done atomic.Bool
	go func() {
		server.Shutdown()
		done.Store(true)
	}()

	resp, err := r.ReadResponse()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.OK || !strings.Contains(resp.Error, "shutting down") {
		t.Errorf("got %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !done.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !done.Load() {
		t.Fatal("shutdown did not complete")
	}
}
