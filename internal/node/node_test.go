package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openlabnet/tracenode/internal/events"
	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/ports"
)

// stubGateway is an in-memory Gateway recording every call, so lifecycle
// tests run without a bridging helper binary.
type stubGateway struct {
	mu        sync.Mutex
	available error
	failStart error
	running   bool
	calls     []string
}

func (g *stubGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *stubGateway) callList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func (g *stubGateway) Available() error { return g.available }

func (g *stubGateway) Start(context.Context) error {
	g.record("start")
	if g.failStart != nil {
		return g.failStart
	}
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Stop() error {
	g.record("stop")
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *stubGateway) AddUDPConnection(_ context.Context, name string, _ *nio.UDP, peer nio.NIO) error {
	call := fmt.Sprintf("add %s %s", name, peer)
	if peer.Capturing() {
		call += " capture=" + peer.CaptureFile()
	}
	g.record(call)
	return nil
}

func (g *stubGateway) UpdateUDPConnection(_ context.Context, name string, _ *nio.UDP, peer nio.NIO) error {
	g.record(fmt.Sprintf("update %s %s", name, peer))
	return nil
}

func (g *stubGateway) DeleteBridge(_ context.Context, name string) error {
	g.record("delete " + name)
	return nil
}

func (g *stubGateway) StartCapture(_ context.Context, name, outputFile string) error {
	g.record(fmt.Sprintf("start_capture %s %s", name, outputFile))
	return nil
}

func (g *stubGateway) StopCapture(_ context.Context, name string) error {
	g.record("stop_capture " + name)
	return nil
}

// writeScript drops an executable shell script standing in for the trace
// binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traceng.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// newTestService builds a lease service on a caller-chosen range so parallel
// tests never probe the same ports.
func newTestService(udpStart, tcpStart int) *ports.Service {
	return ports.NewService(ports.Config{
		UDPRangeStart: udpStart, UDPRangeEnd: udpStart + 63,
		TCPRangeStart: tcpStart, TCPRangeEnd: tcpStart + 63,
	})
}

// newTestNode builds a node around the given gateway and trace script. The
// node is closed on test cleanup.
func newTestNode(t *testing.T, svc *ports.Service, gw Gateway, script string, sink events.Sink) *Node {
	t.Helper()
	n, err := New(context.Background(), Params{
		Name:       "trace1",
		ID:         "abc",
		Project:    "proj",
		WorkingDir: t.TempDir(),
		Ports:      svc,
		Gateway:    gw,
		Events:     sink,
		Config:     Config{TracePath: script, GracePeriod: 500 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _, _ = n.Close(context.Background()) })
	return n
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParamsValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(32000, 33000)
	gw := &stubGateway{}

	type testCase struct {
		params Params
	}

	tests := map[string]testCase{
		"missing name":    {params: Params{ID: "a", WorkingDir: "/tmp/x", Ports: svc, Gateway: gw}},
		"missing id":      {params: Params{Name: "n", WorkingDir: "/tmp/x", Ports: svc, Gateway: gw}},
		"missing workdir": {params: Params{Name: "n", ID: "a", Ports: svc, Gateway: gw}},
		"nil ports":       {params: Params{Name: "n", ID: "a", WorkingDir: "/tmp/x", Gateway: gw}},
		"nil gateway":     {params: Params{Name: "n", ID: "a", WorkingDir: "/tmp/x", Ports: svc}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if _, err := New(context.Background(), tc.params); !errors.Is(err, ErrConfig) {
				t.Errorf("New = %v, want ErrConfig", err)
			}
		})
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	n := newTestNode(t, newTestService(32100, 33100), gw, writeScript(t, "sleep 30"), nil)

	if n.IsRunning() {
		t.Fatal("node reports running before start")
	}
	if got := n.Status(); got != StatusStopped {
		t.Fatalf("status = %q before start", got)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !n.IsRunning() {
		t.Error("node not running after Start")
	}
	if got := n.Status(); got != StatusStarted {
		t.Errorf("status = %q after Start", got)
	}
	if n.Pid() == 0 {
		t.Error("pid = 0 for a running node")
	}
	if cl := n.CommandLine(); !strings.Contains(cl, "-p ") || !strings.Contains(cl, "-F") {
		t.Errorf("command line %q missing launch flags", cl)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.IsRunning() {
		t.Error("node still running after Stop")
	}
	if got := n.Status(); got != StatusStopped {
		t.Errorf("status = %q after Stop", got)
	}
	calls := gw.callList()
	if len(calls) < 2 || calls[0] != "start" {
		t.Errorf("gateway calls %v, want start first", calls)
	}
	if calls[len(calls)-1] != "stop" {
		t.Errorf("gateway calls %v, want stop last", calls)
	}
}

func TestStartIsNoOpWhenRunning(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(32200, 33200), &stubGateway{}, writeScript(t, "sleep 30"), nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := n.Pid()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := n.Pid(); got != pid {
		t.Errorf("pid changed %d -> %d on no-op start", pid, got)
	}
}

func TestStartMissingExecutable(t *testing.T) {
	t.Parallel()

	svc := newTestService(32300, 33300)
	n, err := New(context.Background(), Params{
		Name: "trace1", ID: "abc", Project: "proj", WorkingDir: t.TempDir(),
		Ports: svc, Gateway: &stubGateway{},
		Config: Config{TracePath: filepath.Join(t.TempDir(), "missing-binary")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _, _ = n.Close(context.Background()) })

	if err := n.Start(context.Background()); !errors.Is(err, ErrConfig) {
		t.Fatalf("Start = %v, want ErrConfig", err)
	}
}

func TestStartBridgeUnavailable(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{available: errors.New("no helper binary")}
	n := newTestNode(t, newTestService(32400, 33400), gw, writeScript(t, "sleep 30"), nil)

	if err := n.Start(context.Background()); !errors.Is(err, ErrConfig) {
		t.Fatalf("Start = %v, want ErrConfig", err)
	}
	if n.IsRunning() {
		t.Error("node running despite failed requirements check")
	}
}

func TestStartResolutionFailure(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(32500, 33500), &stubGateway{}, writeScript(t, "sleep 30"), nil)
	n.resolve = func(host string) (string, error) {
		return "", fmt.Errorf("no such host %q", host)
	}

	if err := n.Start(context.Background()); !errors.Is(err, ErrResolve) {
		t.Fatalf("Start = %v, want ErrResolve", err)
	}
	if n.IsRunning() {
		t.Error("node running despite resolution failure")
	}
}

func TestStartLaunchFailure(t *testing.T) {
	t.Parallel()

	// Executable bit set, but no shebang and not a binary: spawn fails with
	// an exec format error.
	path := filepath.Join(t.TempDir(), "broken")
	if err := os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o755); err != nil {
		t.Fatalf("write broken executable: %v", err)
	}

	n := newTestNode(t, newTestService(32600, 33600), &stubGateway{}, path, nil)
	if err := n.Start(context.Background()); !errors.Is(err, ErrLaunch) {
		t.Fatalf("Start = %v, want ErrLaunch", err)
	}
	// The command line is recorded even for failed launches.
	if n.CommandLine() == "" {
		t.Error("command line not recorded after failed launch")
	}
}

func TestCrashEmitsSingleEvent(t *testing.T) {
	t.Parallel()

	rec := &events.Recorder{}
	n := newTestNode(t, newTestService(32700, 33700), &stubGateway{}, writeScript(t, "echo boom\nexit 3"), rec)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, "crash observation", func() bool {
		return n.Status() == StatusStopped && len(rec.Events()) > 0
	})
	if n.IsRunning() {
		t.Error("node reports running after crash")
	}
	if pid := n.Pid(); pid != 0 {
		t.Errorf("pid = %d after crash, want cleared handle", pid)
	}

	// Give a straggling duplicate a chance to show up before counting.
	time.Sleep(100 * time.Millisecond)
	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("recorded %d events, want exactly 1: %v", len(got), got)
	}
	msg, _ := got[0].Payload["message"].(string)
	if !strings.Contains(msg, "exit code: 3") {
		t.Errorf("event message %q missing exit code", msg)
	}
	if !strings.Contains(msg, "boom") {
		t.Errorf("event message %q missing process log", msg)
	}
}

func TestCleanExitEmitsNoEvent(t *testing.T) {
	t.Parallel()

	rec := &events.Recorder{}
	n := newTestNode(t, newTestService(32800, 33800), &stubGateway{}, writeScript(t, "exit 0"), rec)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, "clean exit observation", func() bool {
		return n.Status() == StatusStopped
	})
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
	if got := rec.Events(); len(got) != 0 {
		t.Errorf("recorded events %v for a zero exit code", got)
	}
}

func TestStopForcesStubbornProcess(t *testing.T) {
	t.Parallel()

	// Two commands so the shell does not exec-replace itself, keeping the
	// TERM trap in effect.
	script := writeScript(t, `trap "" TERM
while true; do sleep 1; done`)
	n := newTestNode(t, newTestService(32900, 33900), &stubGateway{}, script, nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Stop took %v, escalation to SIGKILL did not bound it", elapsed)
	}
	if n.IsRunning() {
		t.Error("node still running after forced stop")
	}
	if got := n.Status(); got != StatusStopped {
		t.Errorf("status = %q after forced stop", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	svc := newTestService(34000, 34100)
	n := newTestNode(t, svc, &stubGateway{}, writeScript(t, "sleep 30"), nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	did, err := n.Close(context.Background())
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !did {
		t.Error("first Close reported nothing to do")
	}

	did, err = n.Close(context.Background())
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if did {
		t.Error("second Close reported work done")
	}

	if held := svc.LeasedPorts("tcp", "proj"); len(held) != 0 {
		t.Errorf("tcp leases still held after Close: %v", held)
	}
	if held := svc.LeasedPorts("udp", "proj"); len(held) != 0 {
		t.Errorf("udp leases still held after Close: %v", held)
	}

	if err := n.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestPortValidation(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(34200, 34300), &stubGateway{}, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()
	attachment, err := nio.NewUDP(34205, "127.0.0.1", 34206)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}

	type testCase struct {
		op func(port int) error
	}

	tests := map[string]testCase{
		"bind":          {op: func(p int) error { return n.Bind(ctx, p, attachment) }},
		"update":        {op: func(p int) error { return n.Update(ctx, p, attachment) }},
		"unbind":        {op: func(p int) error { _, err := n.Unbind(ctx, p); return err }},
		"start capture": {op: func(p int) error { return n.StartCapture(ctx, p, filepath.Join(t.TempDir(), "c.pcap")) }},
		"stop capture":  {op: func(p int) error { return n.StopCapture(ctx, p) }},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for _, port := range []int{-1, 1, 7} {
				if err := tc.op(port); !errors.Is(err, nio.ErrPortNotFound) {
					t.Errorf("port %d: err = %v, want ErrPortNotFound", port, err)
				}
			}
		})
	}
}

func TestBindUnbindRoundTrip(t *testing.T) {
	t.Parallel()

	svc := newTestService(34400, 34500)
	n := newTestNode(t, svc, &stubGateway{}, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	lport, err := svc.AcquireUDPPort(ctx, "proj")
	if err != nil {
		t.Fatalf("AcquireUDPPort: %v", err)
	}
	attachment, err := nio.NewUDP(lport, "127.0.0.1", 34450)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}

	if err := n.Bind(ctx, 0, attachment); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if got := n.NIO(0); got != nio.NIO(attachment) {
		t.Fatalf("NIO(0) = %v, want bound attachment", got)
	}

	detached, err := n.Unbind(ctx, 0)
	if err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if detached != nio.NIO(attachment) {
		t.Errorf("Unbind returned %v, want the bound attachment", detached)
	}
	if got := n.NIO(0); got != nil {
		t.Errorf("NIO(0) = %v after unbind, want nil", got)
	}
	// The UDP NIO's lease is released on unbind.
	for _, held := range svc.LeasedPorts("udp", "proj") {
		if held == lport {
			t.Errorf("port %d still leased after unbind", lport)
		}
	}
}

func TestBindingOpsDriveGatewayWhileRunning(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	n := newTestNode(t, newTestService(34600, 34700), gw, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	attachment, err := nio.NewUDP(34650, "127.0.0.1", 34651)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}

	if err := n.Bind(ctx, 0, attachment); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := n.Update(ctx, 0, attachment); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := n.Unbind(ctx, 0); err != nil {
		t.Fatalf("Unbind: %v", err)
	}

	var sawAdd, sawUpdate, sawDelete bool
	for _, call := range gw.callList() {
		switch {
		case strings.HasPrefix(call, "add TRACE-abc"):
			sawAdd = true
		case strings.HasPrefix(call, "update TRACE-abc"):
			sawUpdate = true
		case call == "delete TRACE-abc":
			sawDelete = true
		}
	}
	if !sawAdd || !sawUpdate || !sawDelete {
		t.Errorf("gateway calls %v missing add/update/delete for the node bridge", gw.callList())
	}
}

func TestCaptureLifecycle(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(34800, 34900), &stubGateway{}, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()
	pcap := filepath.Join(t.TempDir(), "captures", "port0.pcap")

	// No attachment yet.
	if err := n.StartCapture(ctx, 0, pcap); !errors.Is(err, ErrCapture) {
		t.Fatalf("StartCapture unbound = %v, want ErrCapture", err)
	}
	if err := n.StopCapture(ctx, 0); !errors.Is(err, ErrCapture) {
		t.Fatalf("StopCapture unbound = %v, want ErrCapture", err)
	}

	attachment, err := nio.NewUDP(34850, "127.0.0.1", 34851)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := n.Bind(ctx, 0, attachment); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := n.StartCapture(ctx, 0, pcap); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if !attachment.Capturing() || attachment.CaptureFile() != pcap {
		t.Errorf("capture state (%v, %q) after start", attachment.Capturing(), attachment.CaptureFile())
	}
	if err := n.StartCapture(ctx, 0, pcap); !errors.Is(err, ErrCapture) {
		t.Fatalf("second StartCapture = %v, want ErrCapture", err)
	}
	if err := n.StopCapture(ctx, 0); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if attachment.Capturing() {
		t.Error("still capturing after StopCapture")
	}
}

func TestCaptureCommandsReachRunningGateway(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	n := newTestNode(t, newTestService(35000, 35100), gw, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	attachment, err := nio.NewUDP(35050, "127.0.0.1", 35051)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := n.Bind(ctx, 0, attachment); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	pcap := filepath.Join(t.TempDir(), "port0.pcap")
	if err := n.StartCapture(ctx, 0, pcap); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := n.StopCapture(ctx, 0); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}

	var sawStart, sawStop bool
	for _, call := range gw.callList() {
		if strings.HasPrefix(call, "start_capture TRACE-abc") {
			sawStart = true
		}
		if call == "stop_capture TRACE-abc" {
			sawStop = true
		}
	}
	if !sawStart || !sawStop {
		t.Errorf("gateway calls %v missing capture commands", gw.callList())
	}
}

func TestCaptureArmedBeforeStartReachesRegistration(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	n := newTestNode(t, newTestService(37400, 37500), gw, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	attachment, err := nio.NewUDP(37450, "127.0.0.1", 37451)
	if err != nil {
		t.Fatalf("NewUDP: %v", err)
	}
	if err := n.Bind(ctx, 0, attachment); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	pcap := filepath.Join(t.TempDir(), "port0.pcap")
	// Armed while stopped; must take effect once the node starts.
	if err := n.StartCapture(ctx, 0, pcap); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	found := false
	for _, call := range gw.callList() {
		if strings.HasPrefix(call, "add TRACE-abc") && strings.Contains(call, "capture="+pcap) {
			found = true
		}
	}
	if !found {
		t.Errorf("gateway calls %v: bridge registration did not carry the armed capture", gw.callList())
	}
}

func TestStaleWatcherIgnoredAfterRestart(t *testing.T) {
	t.Parallel()

	rec := &events.Recorder{}
	n := newTestNode(t, newTestService(37600, 37700), &stubGateway{}, writeScript(t, "sleep 30"), rec)
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.mu.Lock()
	firstGen := n.runGen
	n.mu.Unlock()

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// A watcher from the first run reports its exit only after the restart.
	// It must not touch the new run's state.
	n.onProcessExit(firstGen, -1)

	if !n.IsRunning() {
		t.Error("restarted process handle cleared by a stale watcher")
	}
	if got := n.Status(); got != StatusStarted {
		t.Errorf("status = %q after stale watcher fired, want started", got)
	}
	if got := rec.Events(); len(got) != 0 {
		t.Errorf("stale watcher emitted events: %v", got)
	}
}

func TestStartChecksRequirementsWhileRunning(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	n := newTestNode(t, newTestService(37800, 37900), gw, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The helper disappears while the node is up; a second Start must
	// report it instead of short-circuiting on the running process.
	gw.available = errors.New("helper binary removed")
	if err := n.Start(ctx); !errors.Is(err, ErrConfig) {
		t.Fatalf("Start with broken requirements = %v, want ErrConfig", err)
	}
	if !n.IsRunning() {
		t.Error("running process disturbed by the failed requirements check")
	}
}

func TestBuildCommandOrder(t *testing.T) {
	t.Parallel()

	// The tunnel leases the first two ports of the range, so the command
	// carries 10001 (local) and 10002 (bridge side).
	svc := newTestService(10001, 35200)
	n := newTestNode(t, svc, &stubGateway{}, writeScript(t, "sleep 30"), nil)

	n.mu.Lock()
	command, err := n.buildCommandLocked(context.Background())
	n.mu.Unlock()
	if err != nil {
		t.Fatalf("buildCommandLocked: %v", err)
	}

	want := []string{"-s", "10001", "-c", "10002", "-t", "127.0.0.1"}
	idx := -1
	for i := 0; i+len(want) <= len(command); i++ {
		match := true
		for j, token := range want {
			if command[i+j] != token {
				match = false
				break
			}
		}
		if match {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.Fatalf("command %v missing ordered tunnel flags %v", command, want)
	}

	for _, token := range []string{"-p", "-m", "-i", "-F"} {
		found := false
		for _, arg := range command[:idx] {
			if arg == token {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %v missing %s before tunnel flags", command, token)
		}
	}
}

func TestReloadRestartsProcess(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(35300, 35400), &stubGateway{}, writeScript(t, "sleep 30"), nil)
	ctx := context.Background()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := n.Pid()
	if err := n.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !n.IsRunning() {
		t.Fatal("node not running after Reload")
	}
	if got := n.Pid(); got == pid {
		t.Errorf("pid %d unchanged after Reload", got)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, newTestService(35500, 35600), &stubGateway{}, writeScript(t, "sleep 30"), nil)

	s := n.Summary()
	if s.Name != "trace1" || s.NodeID != "abc" || s.ProjectID != "proj" {
		t.Errorf("summary identity = %+v", s)
	}
	if s.Status != StatusStopped {
		t.Errorf("summary status = %q before start", s.Status)
	}
	if s.ConsoleType != "telnet" {
		t.Errorf("summary console type = %q", s.ConsoleType)
	}
	if s.Console != n.ConsolePort() {
		t.Errorf("summary console = %d, want %d", s.Console, n.ConsolePort())
	}
	if s.NodeDirectory != n.WorkingDir() {
		t.Errorf("summary directory = %q", s.NodeDirectory)
	}
}
