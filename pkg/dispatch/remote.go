package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/deployd/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// RemoteSpawner starts workers on a remote host over SSH. The worker's
// stdin and stdout are its channel. The remote shell prints its PID before
// exec'ing the worker, so the PID recorded is the worker's own.
type RemoteSpawner struct {
	client     *ssh.Client
	uploadFrom string
	log        zerolog.Logger

	stageMu sync.Mutex
	staged  map[string]bool
}

// NewRemoteSpawner creates a remote spawner. When uploadFrom is set, that
// local file is synced to each worker executable path before first use.
func NewRemoteSpawner(client *ssh.Client, uploadFrom string, log zerolog.Logger) *RemoteSpawner {
	return &RemoteSpawner{
		client:     client,
		uploadFrom: uploadFrom,
		log:        log.With().Str("component", "remote-spawner").Str("host", client.Host()).Logger(),
		staged:     make(map[string]bool),
	}
}

// Host returns the remote host name.
func (s *RemoteSpawner) Host() string {
	return s.client.Host()
}

func (s *RemoteSpawner) stage(ctx context.Context, executable string) error {
	if s.uploadFrom == "" {
		return nil
	}
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	if s.staged[executable] {
		return nil
	}
	uploaded, err := s.client.Sync(ctx, s.uploadFrom, executable, 0o755)
	if err != nil {
		return fmt.Errorf("failed to stage worker executable: %w", err)
	}
	if uploaded {
		s.log.Info().Str("executable", executable).Msg("worker executable uploaded")
	}
	s.staged[executable] = true
	return nil
}

// Spawn implements Spawner. Remote workers run as the SSH user.
func (s *RemoteSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Worker, error) {
	if err := s.client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.stage(ctx, spec.Executable); err != nil {
		return nil, err
	}

	proc, err := s.client.Start(ctx, "echo $$; exec "+ssh.ShellQuote(spec.Executable))
	if err != nil {
		return nil, err
	}

	stdout := bufio.NewReader(proc.Stdout)
	pid, err := readPID(ctx, stdout)
	if err != nil {
		_ = proc.Close()
		return nil, fmt.Errorf("failed to read remote worker pid: %w", err)
	}

	stderr := newLogWriter(s.log.With().Int64("request_id", spec.RequestID).Int("pid", pid).Logger())
	go func() {
		_, _ = io.Copy(stderr, proc.Stderr)
		stderr.Flush()
	}()

	w := &remoteWorker{
		spawner: s,
		proc:    proc,
		pid:     pid,
		channel: &stdioChannel{Reader: stdout, stdin: proc.Stdin},
		state:   newExitState(),
	}
	go func() {
		code, err := proc.Wait()
		w.state.set(code, err)
		_ = proc.Close()
	}()

	s.log.Debug().Int64("request_id", spec.RequestID).Int("pid", pid).Msg("remote worker started")
	return w, nil
}

// readPID reads the first stdout line, which the launching shell prints.
func readPID(ctx context.Context, r *bufio.Reader) (int, error) {
	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := r.ReadString('\n')
		ch <- line{text: text, err: err}
	}()

	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("timed out")
	case l := <-ch:
		if l.err != nil {
			return 0, l.err
		}
		pid, err := strconv.Atoi(strings.TrimSpace(l.text))
		if err != nil || pid <= 0 {
			return 0, fmt.Errorf("unexpected pid line %q", l.text)
		}
		return pid, nil
	}
}

type remoteWorker struct {
	spawner *RemoteSpawner
	proc    *ssh.Process
	pid     int
	channel io.ReadWriteCloser
	state   *exitState
}

func (w *remoteWorker) PID() int                { return w.pid }
func (w *remoteWorker) Host() string            { return w.spawner.Host() }
func (w *remoteWorker) Exited() <-chan struct{} { return w.state.done }
func (w *remoteWorker) Wait() (int, error)      { return w.state.wait() }

func (w *remoteWorker) Connect(context.Context) (io.ReadWriteCloser, error) {
	return w.channel, nil
}

// Kill implements Worker. The PID is only targeted while the session is
// alive, so a recycled PID is never hit.
func (w *remoteWorker) Kill() error {
	if w.state.exited() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := killRemote(ctx, w.spawner.client, w.pid)
	_ = w.proc.Close()
	return err
}

// stdioChannel joins a remote process's stdout and stdin.
type stdioChannel struct {
	io.Reader
	stdin io.WriteCloser
}

func (c *stdioChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *stdioChannel) Close() error                { return c.stdin.Close() }
