package components

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestMain lets this test binary re-exec itself as the sandboxed child
// process (the standard os/exec testing idiom), so sandbox_test exercises
// the real framed IPC protocol end to end without a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("LITHIUM_SANDBOX_HELPER") == "1" {
		runSandboxHelper()
		return
	}
	os.Exit(m.Run())
}

// runSandboxHelper implements the child side of the protocol: echo back
// "pong" for any op except "crash", which exits without replying.
func runSandboxHelper() {
	for {
		var req Request
		if err := readFrame(os.Stdin, &req); err != nil {
			return
		}
		if req.Op == "crash" {
			os.Exit(1)
		}
		_ = writeFrame(os.Stdout, Reply{ID: req.ID, OK: true, Result: "pong"})
	}
}

func spawnHelper(t *testing.T) *sandboxProcess {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	cmd := exec.Command(self, "-test.run=^TestMain$")
	cmd.Env = append(os.Environ(), "LITHIUM_SANDBOX_HELPER=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}

	sp := &sandboxProcess{cmd: cmd, stdin: stdin, stdout: stdout, pending: make(map[uint64]chan Reply)}
	go sp.readLoop()
	go sp.waitLoop()
	return sp
}

func TestSandboxCallRoundTrip(t *testing.T) {
	sp := spawnHelper(t)
	defer sp.Terminate()

	result, err := sp.call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "pong" {
		t.Errorf("got %v, want pong", result)
	}
}

func TestSandboxCrashFaultsPendingAndFutureCalls(t *testing.T) {
	sp := spawnHelper(t)
	defer sp.Terminate()

	// Warm the connection so the helper is definitely past startup.
	if _, err := sp.call(context.Background(), "ping", nil); err != nil {
		t.Fatalf("warmup call: %v", err)
	}

	if _, err := sp.call(context.Background(), "crash", nil); err == nil {
		t.Fatal("expected crash call to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !sp.IsFaulted() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sp.IsFaulted() {
		t.Fatal("expected sandbox to be marked faulted after crash")
	}

	if _, err := sp.call(context.Background(), "ping", nil); err == nil {
		t.Fatal("expected calls after a crash to fail")
	}
}

func TestSandboxInstanceAdaptsToInterface(t *testing.T) {
	sp := spawnHelper(t)
	defer sp.Terminate()

	var inst Instance = NewSandboxInstance(sp)
	fn, ok := inst.Capability("ping")
	if !ok {
		t.Fatal("expected Capability to always resolve for a sandboxed instance")
	}
	result, err := fn(context.Background(), nil)
	if err != nil || result != "pong" {
		t.Fatalf("result=%v err=%v", result, err)
	}
}
