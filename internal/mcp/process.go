package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultStopGrace is how long [Process.Stop] waits for the child to
// exit after its stdin is closed before killing it.
const DefaultStopGrace = 5 * time.Second

// maxLineSize bounds a single line read from the child's stdout.
// Longer lines are dropped, so a request answered with one times out.
const maxLineSize = 1 << 20

// ProcessConfig describes a child process to launch.
type ProcessConfig struct {
	// Command is the executable to run.
	Command string
	// Args are the command-line arguments.
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the parent's
	// environment.
	Env []string
	// StopGrace overrides [DefaultStopGrace].
	StopGrace time.Duration
	// Logger receives lifecycle events and the child's stderr.
	Logger *slog.Logger
}

// Process owns one child process and its three pipes. Stdout is read
// by a single goroutine that hands complete lines to
// [Process.SendAndAwait]; stderr is drained to the logger so the child
// never blocks on a full pipe. A Process is started once. After it is
// stopped, or after the child exits on its own, every call reports
// [ErrNotRunning].
//
// Callers must serialize SendAndAwait and AwaitLine; the stdio
// transport does this with its request semaphore.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	done    chan struct{}
	quit    chan struct{}
	started bool
	stopped bool
	eof     bool
	exitErr error
}

// NewProcess returns an unstarted process.
func NewProcess(cfg ProcessConfig) *Process {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Process{
		cfg:    cfg,
		logger: logger.With("command", cfg.Command),
	}
}

// Start spawns the child. It fails if the process was already started
// or the executable cannot be launched.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process %s already started", p.cfg.Command)
	}
	if p.cfg.Command == "" {
		return &TransportError{Op: "start", Err: errors.New("no command configured")}
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("launch %s: %w", p.cfg.Command, err)}
	}

	p.started = true
	p.cmd = cmd
	p.stdin = stdin
	p.lines = make(chan []byte, 16)
	p.done = make(chan struct{})
	p.quit = make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.drainStderr(stderr)
	}()
	go p.wait(&readers)

	p.logger.Info("provider process started", "pid", cmd.Process.Pid)
	return nil
}

// readStdout splits stdout into lines until EOF. Lines produced after
// Stop has begun are discarded so the reader never blocks shutdown.
func (p *Process) readStdout(r io.Reader) {
	defer func() {
		p.mu.Lock()
		p.eof = true
		p.mu.Unlock()
		close(p.lines)
	}()

	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := ReadLine(reader, maxLineSize)
		if errors.Is(err, ErrLineTooLong) {
			p.logger.Warn("dropping oversized line from provider", "limit_bytes", maxLineSize)
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case p.lines <- line:
			case <-p.quit:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("provider stdout closed", "error", err)
			}
			return
		}
	}
}

// drainStderr logs the child's stderr so the pipe never fills.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("provider stderr", "line", scanner.Text())
	}
}

// wait reaps the child once both readers have seen EOF.
func (p *Process) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	stopped := p.stopped
	p.mu.Unlock()

	if !stopped {
		p.logger.Warn("provider process exited unexpectedly", "error", err)
	}
	close(p.done)
}

// Running reports whether the child is alive and accepting requests.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Process) runningLocked() bool {
	if !p.started || p.stopped || p.eof {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the child's process ID, or 0 if it is not running.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.runningLocked() {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write sends one line to the child without waiting for a reply.
func (p *Process) Write(line []byte) error {
	p.mu.Lock()
	if !p.runningLocked() {
		p.mu.Unlock()
		return ErrNotRunning
	}
	stdin := p.stdin
	p.mu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := stdin.Write(buf); err != nil {
		if !p.Running() {
			return ErrNotRunning
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendAndAwait writes one line to the child and blocks until the child
// writes one line back, timeout elapses, or ctx is done. The returned
// line carries no trailing newline.
func (p *Process) SendAndAwait(ctx context.Context, line []byte, timeout time.Duration) ([]byte, error) {
	if err := p.Write(line); err != nil {
		return nil, err
	}
	return p.AwaitLine(ctx, timeout)
}

// AwaitLine blocks for the next line from the child without writing
// anything first.
func (p *Process) AwaitLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	lines := p.lines
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-lines:
		if !ok {
			return nil, ErrNotRunning
		}
		return line, nil
	case <-timer.C:
		return nil, &TimeoutError{Method: "read", After: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the child's stdin, waits up to the stop grace for it to
// exit, then kills it. Stop is idempotent and safe on a process that
// was never started.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd, stdin, done := p.cmd, p.stdin, p.done
	close(p.quit)
	p.mu.Unlock()

	_ = stdin.Close()

	timer := time.NewTimer(p.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("provider process did not exit, killing", "grace", p.cfg.StopGrace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("kill provider process failed", "error", err)
		}
		<-done
	}

	p.mu.Lock()
	exitErr := p.exitErr
	p.mu.Unlock()
	p.logger.Info("provider process stopped", "exit", exitErr)
	return nil
}
