package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// Duration is the total execution time
	Duration time.Duration
}

// Run executes a command and waits for it. A non-zero exit is reported in
// ExecResult.ExitCode, not as an error; errors mean the command could not be
// run to completion.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	session, err := c.newSession("exec")
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	started := time.Now()
	c.log.Debug().Str("command", cmd).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: time.Since(started),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}

	c.log.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command completed")
	return result, nil
}

// Process is a command started on the remote host whose stdio stays open.
// Its Stdin and Stdout form a bidirectional stream.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	session   *ssh.Session
	closeOnce sync.Once
}

// Start starts cmd without waiting for it.
func (c *Client) Start(ctx context.Context, cmd string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "start", Err: err}
	}

	session, err := c.newSession("start")
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start command: %w", err), IsTemporary: true}
	}

	c.log.Debug().Str("command", cmd).Msg("remote process started")
	return &Process{Stdin: stdin, Stdout: stdout, Stderr: stderr, session: session}, nil
}

// Wait waits for the process to exit and returns its exit code. A session
// that ends without an exit status (connection lost, killed by signal) is
// an error.
func (p *Process) Wait() (int, error) {
	err := p.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return -1, &TransportError{Op: "wait", Err: fmt.Errorf("process killed by signal %s", exitErr.Signal())}
		}
		return exitErr.ExitStatus(), nil
	}
	return -1, &TransportError{Op: "wait", Err: err, IsTemporary: true}
}

// Signal delivers a signal to the process. Many servers ignore signal
// requests, so callers that must stop the process kill it by PID.
func (p *Process) Signal(sig ssh.Signal) error {
	return p.session.Signal(sig)
}

// Close releases the session. It is safe to call more than once.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
