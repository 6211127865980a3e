package dispatch

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// SpawnSpec describes one worker process to start.
type SpawnSpec struct {
	RequestID   int64
	Executable  string
	Credentials *Credentials
}

// Worker is a started worker process.
type Worker interface {
	// PID is the operating system process id on the worker's host.
	PID() int

	// Host is the remote host, empty for local workers.
	Host() string

	// Connect returns the worker's channel once the worker has attached to it.
	Connect(ctx context.Context) (io.ReadWriteCloser, error)

	// Kill forcibly terminates the worker. Killing an exited worker is a no-op.
	Kill() error

	// Wait blocks until the worker exits and returns its exit code. It may
	// be called more than once.
	Wait() (int, error)

	// Exited is closed once the worker has exited.
	Exited() <-chan struct{}
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Worker, error)
}

// exitState records a worker's exit once.
type exitState struct {
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

func (s *exitState) set(code int, err error) {
	s.once.Do(func() {
		s.code = code
		s.err = err
		close(s.done)
	})
}

func (s *exitState) wait() (int, error) {
	<-s.done
	return s.code, s.err
}

func (s *exitState) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// logWriter forwards a worker's stderr to the orchestrator log, one entry
// per line.
type logWriter struct {
	mu  sync.Mutex
	log zerolog.Logger
	buf []byte
}

func newLogWriter(log zerolog.Logger) *logWriter {
	return &logWriter{log: log}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.buf[:i], "\r"); len(line) > 0 {
			w.log.Warn().Str("stream", "stderr").Msg(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.log.Warn().Str("stream", "stderr").Msg(string(w.buf))
		w.buf = nil
	}
}
