package components

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// sandboxProcess supervises one out-of-process component: a child started
// via exec.Cmd, communicated with over its stdin/stdout using the
// length-prefixed framed protocol in ipc.go. In-process and out-of-process
// components expose the same Instance shape; this is the transport the
// spec treats as transparent to callers.
type sandboxProcess struct {
	cmd    *exec.Cmd
	stdin  pipeWriter
	stdout pipeReader

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Reply

	faulted atomic.Bool
	stopped sync.Once
}

// pipeWriter/pipeReader narrow exec.Cmd's pipe types so tests can fake them.
type pipeWriter interface {
	Write([]byte) (int, error)
	Close() error
}
type pipeReader interface {
	Read([]byte) (int, error)
}

// Spawn starts path as a child process and begins the IPC read loop. The
// runtime does not auto-restart a crashed sandbox; a crash is caught and
// surfaces as a Faulted error from every subsequent call.
func Spawn(path string, args ...string) (*sandboxProcess, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "open sandbox stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "open sandbox stdout", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, lerrors.Wrap(lerrors.Faulted, "spawn sandboxed component", err)
	}

	sp := &sandboxProcess{cmd: cmd, stdin: stdin, stdout: stdout, pending: make(map[uint64]chan Reply)}
	go sp.readLoop()
	go sp.waitLoop()
	return sp, nil
}

func (sp *sandboxProcess) readLoop() {
	for {
		var reply Reply
		if err := readFrame(sp.stdout, &reply); err != nil {
			sp.fault()
			return
		}
		if reply.ID == 0 {
			// Event message; this package has no event bus of its own to
			// hand it to, so out-of-process events are surfaced by the
			// caller that owns the device/event routing, not here.
			continue
		}

		sp.mu.Lock()
		ch, ok := sp.pending[reply.ID]
		if ok {
			delete(sp.pending, reply.ID)
		}
		sp.mu.Unlock()

		if ok {
			ch <- reply
		}
	}
}

func (sp *sandboxProcess) waitLoop() {
	sp.cmd.Wait()
	sp.fault()
}

// fault marks the process crashed/disconnected and unblocks every call
// waiting on a reply that will now never arrive.
func (sp *sandboxProcess) fault() {
	sp.stopped.Do(func() {
		sp.faulted.Store(true)
		sp.mu.Lock()
		for _, ch := range sp.pending {
			close(ch)
		}
		sp.pending = make(map[uint64]chan Reply)
		sp.mu.Unlock()
	})
}

// IsFaulted reports whether the sandboxed process has exited or dropped
// the connection.
func (sp *sandboxProcess) IsFaulted() bool { return sp.faulted.Load() }

// call sends op/args as a Request and blocks for the matching Reply, a
// crash, or ctx cancellation, whichever comes first.
func (sp *sandboxProcess) call(ctx context.Context, op string, args any) (any, error) {
	if sp.faulted.Load() {
		return nil, lerrors.New(lerrors.Faulted, "sandboxed component has crashed").With("op", op)
	}

	id := atomic.AddUint64(&sp.nextID, 1)
	ch := make(chan Reply, 1)
	sp.mu.Lock()
	sp.pending[id] = ch
	sp.mu.Unlock()

	if err := writeFrame(sp.stdin, Request{ID: id, Op: op, Args: args}); err != nil {
		sp.fault()
		return nil, err
	}

	select {
	case <-ctx.Done():
		sp.mu.Lock()
		delete(sp.pending, id)
		sp.mu.Unlock()
		return nil, lerrors.Wrap(lerrors.Cancelled, "sandbox call cancelled", ctx.Err())
	case reply, ok := <-ch:
		if !ok {
			return nil, lerrors.New(lerrors.Faulted, "sandboxed component crashed mid-call").With("op", op)
		}
		if !reply.OK {
			return nil, lerrors.New(lerrors.Internal, reply.Error).With("op", op)
		}
		return reply.Result, nil
	}
}

// Terminate closes the pipe and kills the child if it hasn't already exited.
func (sp *sandboxProcess) Terminate() {
	sp.stdin.Close()
	if sp.cmd.Process != nil {
		_ = sp.cmd.Process.Kill()
	}
}

// sandboxInstance adapts a sandboxProcess to the Instance interface so the
// runtime treats out-of-process components identically to in-process ones.
type sandboxInstance struct {
	proc *sandboxProcess
}

// NewSandboxInstance wraps an already-spawned sandboxed process as an
// Instance suitable for direct registration with a Runtime bundleRecord.
func NewSandboxInstance(proc *sandboxProcess) Instance {
	return &sandboxInstance{proc: proc}
}

func (s *sandboxInstance) Capability(name string) (Capability, bool) {
	return func(ctx context.Context, args any) (any, error) {
		return s.proc.call(ctx, name, args)
	}, true
}

func (s *sandboxInstance) Capabilities() []string {
	// The set is negotiated dynamically over IPC rather than declared
	// statically; callers that need the list should invoke a well-known
	// "capabilities" op themselves.
	return nil
}

func (s *sandboxInstance) Shutdown(ctx context.Context) error {
	_, err := s.proc.call(ctx, "shutdown", nil)
	s.proc.Terminate()
	return err
}
