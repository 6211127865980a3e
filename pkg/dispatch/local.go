package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/rs/zerolog"
)

// LocalSpawner starts workers on the orchestrator host. Each worker gets a
// unix socket named after its request, passed in DEPLOY_CHANNEL.
type LocalSpawner struct {
	socketDir   string
	impersonate bool
	log         zerolog.Logger
}

// NewLocalSpawner creates a local spawner. With impersonate set, workers
// run as the credentials' user, which requires the orchestrator to run as
// root.
func NewLocalSpawner(socketDir string, impersonate bool, log zerolog.Logger) *LocalSpawner {
	return &LocalSpawner{
		socketDir:   socketDir,
		impersonate: impersonate,
		log:         log.With().Str("component", "local-spawner").Logger(),
	}
}

// Spawn implements Spawner. The channel listener exists before the process
// starts, so the worker can connect as soon as it runs.
func (s *LocalSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.Executable); err != nil {
		return nil, fmt.Errorf("worker executable %s: %w", spec.Executable, err)
	}

	if err := os.MkdirAll(s.socketDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket dir: %w", err)
	}
	socket := filepath.Join(s.socketDir, protocol.ChannelName(spec.RequestID)+".sock")
	// A crashed orchestrator can leave the socket file behind.
	_ = os.Remove(socket)

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to open worker channel: %w", err)
	}

	cmd := exec.Command(spec.Executable) // #nosec G204 -- executable comes from configuration
	cmd.Env = append(os.Environ(), protocol.ChannelEnv+"="+socket)
	if s.impersonate {
		if spec.Credentials == nil {
			_ = listener.Close()
			return nil, fmt.Errorf("impersonation requires credentials")
		}
		attr, err := impersonationAttr(spec.Credentials)
		if err != nil {
			_ = listener.Close()
			return nil, err
		}
		cmd.SysProcAttr = attr
	}

	stderrLog := s.log.With().Int64("request_id", spec.RequestID).Logger()
	stderr := newLogWriter(stderrLog)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	w := &localWorker{
		cmd:      cmd,
		listener: listener,
		socket:   socket,
		state:    newExitState(),
	}
	go func() {
		err := cmd.Wait()
		stderr.Flush()
		code := cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		w.state.set(code, err)
		// Unblocks a pending Accept when the worker dies before connecting.
		_ = listener.Close()
	}()

	s.log.Debug().
		Int64("request_id", spec.RequestID).
		Int("pid", cmd.Process.Pid).
		Str("executable", spec.Executable).
		Msg("worker started")
	return w, nil
}

type localWorker struct {
	cmd      *exec.Cmd
	listener net.Listener
	socket   string
	state    *exitState
}

func (w *localWorker) PID() int                { return w.cmd.Process.Pid }
func (w *localWorker) Host() string            { return "" }
func (w *localWorker) Exited() <-chan struct{} { return w.state.done }
func (w *localWorker) Wait() (int, error)      { return w.state.wait() }

// Connect accepts the worker's connection. The socket file is removed once
// the connection is established.
func (w *localWorker) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := w.listener.Accept()
		ch <- accepted{conn: conn, err: err}
	}()

	defer func() {
		_ = w.listener.Close()
		_ = os.Remove(w.socket)
	}()

	select {
	case <-ctx.Done():
		_ = w.listener.Close()
		if a := <-ch; a.conn != nil {
			_ = a.conn.Close()
		}
		return nil, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			if w.state.exited() {
				code, _ := w.state.wait()
				return nil, fmt.Errorf("worker exited with code %d before connecting", code)
			}
			return nil, fmt.Errorf("failed to accept worker connection: %w", a.err)
		}
		return a.conn, nil
	}
}

// Kill implements Worker.
func (w *localWorker) Kill() error {
	if w.state.exited() {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
