// Package runner owns the lifecycle of one agent subprocess invocation:
// spawn, stdin frame writes, wall-clock timeout, and exit capture.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout marks an outcome where the process was forcibly terminated
// because the wall-clock budget ran out.
var ErrTimeout = errors.New("agent process timed out")

// nestedMarkerPrefixes identifies environment variables that would mark the
// child as a nested instance of the agent tool. They are stripped before
// spawn so the agent does not refuse to run inside itself.
var nestedMarkerPrefixes = []string{"CLAUDECODE", "CLAUDE_CODE_"}

// Spec describes one process run.
type Spec struct {
	// Dir is the working directory for the process.
	Dir string

	// Resume carries the prior conversation id; empty starts fresh.
	Resume string

	// InitialFrame is written to stdin immediately after spawn, typically
	// the user prompt frame.
	InitialFrame []byte

	// Timeout overrides the configured wall-clock budget when positive.
	Timeout time.Duration
}

// Outcome is the completion record of a run, valid once Done is closed.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Err      error
	Stderr   string
}

// Handle is a live process run. Stdout is consumed by the caller; frames for
// the control sub-protocol are written back through WriteFrame.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *drainReader
	stderr *tailBuffer
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	timedOut bool
	outcome  Outcome
	done     chan struct{}
}

// Run spawns the agent process and returns once it has started. The returned
// handle completes (Done closes) when the process exits or the timeout
// forces termination.
func Run(ctx context.Context, cfg *Config, spec Spec) (*Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.BuildArgs(spec.Resume)...)
	cmd.Dir = spec.Dir
	cmd.Env = filterEnv(os.Environ())
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}

	stderr := &tailBuffer{limit: cfg.stderrLimit()}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// The stdout pipe is owned here rather than by exec. Wait closes pipes
	// it created as soon as the process exits, which would drop frames still
	// buffered in the pipe; with our own pipe the reader sees EOF only after
	// the child's write side is gone and the buffer is drained.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		cancel()
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}
	stdoutW.Close()

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: &drainReader{f: stdoutR},
		stderr: stderr,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		h.timedOut = true
		h.mu.Unlock()
		h.Kill()
	})

	go func() {
		waitErr := cmd.Wait()
		timer.Stop()
		cancel()
		stdin.Close()

		h.mu.Lock()
		h.outcome = Outcome{
			ExitCode: exitCode(waitErr),
			TimedOut: h.timedOut,
			Err:      waitErr,
			Stderr:   stderr.String(),
		}
		if h.timedOut {
			h.outcome.Err = ErrTimeout
		}
		h.mu.Unlock()
		close(h.done)
	}()

	if len(spec.InitialFrame) > 0 {
		if err := h.WriteFrame(spec.InitialFrame); err != nil {
			h.Kill()
			<-h.done
			h.stdout.Close()
			return nil, fmt.Errorf("writing initial frame: %w", err)
		}
	}

	return h, nil
}

// Stdout returns the process's output stream. Read it to completion; the
// stream ends when the process exits, after any buffered tail is delivered.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// drainReader releases the pipe descriptor at end of stream, since nothing
// else closes the read side.
type drainReader struct {
	f *os.File
}

func (r *drainReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		r.f.Close()
	}
	return n, err
}

func (r *drainReader) Close() error {
	return r.f.Close()
}

// WriteFrame writes one encoded frame to the process's stdin. Writes are
// serialized so concurrent control responses never interleave.
func (h *Handle) WriteFrame(line []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.stdin.Write(line); err != nil {
		return fmt.Errorf("writing frame to agent stdin: %w", err)
	}
	return nil
}

// Done closes when the process has exited and the outcome is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the completion record. Valid only after Done closes.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Interrupt asks the agent to stop gracefully. The agent finishes its
// current tool call and exits.
func (h *Handle) Interrupt() error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Signal(syscall.SIGINT)
}

// Kill terminates the process immediately.
func (h *Handle) Kill() {
	h.cancel()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func filterEnv(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if ok && isNestedMarker(name) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func isNestedMarker(name string) bool {
	for _, prefix := range nestedMarkerPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
