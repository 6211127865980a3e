package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
)

// behavior scripts what a fake worker does with its command.
type behavior struct {
	exitCode  int
	events    []string
	fail      *protocol.ErrorMessage
	result    any
	block     bool
	noReady   bool
	onCommand func(*protocol.CommandMessage)
}

type fakeWorker struct {
	pid   int
	host  string
	conn  net.Conn
	peer  net.Conn
	state *exitState

	mu     sync.Mutex
	killed bool
}

func (w *fakeWorker) PID() int                { return w.pid }
func (w *fakeWorker) Host() string            { return w.host }
func (w *fakeWorker) Exited() <-chan struct{} { return w.state.done }
func (w *fakeWorker) Wait() (int, error)      { return w.state.wait() }

func (w *fakeWorker) Connect(context.Context) (io.ReadWriteCloser, error) {
	return w.conn, nil
}

func (w *fakeWorker) Kill() error {
	if w.state.exited() {
		return nil
	}
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	_ = w.peer.Close()
	w.state.set(-1, nil)
	return nil
}

func (w *fakeWorker) wasKilled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// serve plays the worker side of the protocol.
func (w *fakeWorker) serve(b behavior) {
	enc := protocol.NewEncoder(w.peer)
	dec := protocol.NewDecoder(w.peer)

	if b.noReady {
		_, _ = io.Copy(io.Discard, w.peer)
		return
	}
	if err := enc.EncodeReady(&protocol.ReadyMessage{Version: "test", PID: w.pid}); err != nil {
		return
	}
	cmd, err := dec.DecodeCommand()
	if err != nil {
		return
	}
	if b.onCommand != nil {
		b.onCommand(cmd)
	}
	if b.block {
		// Wait for the dispatcher to kill us.
		_, _ = io.Copy(io.Discard, w.peer)
		return
	}

	for _, e := range b.events {
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: "info", Message: e})
	}
	if b.fail != nil {
		b.fail.CommandID = cmd.ID
		_ = enc.EncodeError(b.fail)
	} else {
		result, _ := json.Marshal(b.result)
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result})
	}
	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "done", ExitCode: b.exitCode})
	_ = w.peer.Close()
	w.state.set(b.exitCode, nil)
}

type fakeSpawner struct {
	mu        sync.Mutex
	behaviors []behavior
	specs     []SpawnSpec
	workers   []*fakeWorker
	err       error
	host      string
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.specs)
	s.specs = append(s.specs, spec)

	b := behavior{}
	if idx < len(s.behaviors) {
		b = s.behaviors[idx]
	}

	conn, peer := net.Pipe()
	w := &fakeWorker{
		pid:   1000 + idx,
		host:  s.host,
		conn:  conn,
		peer:  peer,
		state: newExitState(),
	}
	s.workers = append(s.workers, w)
	go w.serve(b)
	return w, nil
}

func (s *fakeSpawner) spawned() []SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnSpec(nil), s.specs...)
}

func (s *fakeSpawner) worker(i int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[i]
}

// fakeStore records process and artifact writes.
type fakeStore struct {
	mu        sync.Mutex
	live      map[int]engine.ProcessRecord
	added     []engine.ProcessRecord
	removed   []engine.ProcessRecord
	artifacts map[int64]string
	addErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		live:      map[int]engine.ProcessRecord{},
		artifacts: map[int64]string{},
	}
}

func (s *fakeStore) AddProcess(_ context.Context, rec engine.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.live[rec.PID] = rec
	s.added = append(s.added, rec)
	return nil
}

func (s *fakeStore) RemoveProcess(_ context.Context, rec engine.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, rec.PID)
	s.removed = append(s.removed, rec)
	return nil
}

func (s *fakeStore) SetPlanArtifact(_ context.Context, resultID int64, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[resultID] = location
	return nil
}

func (s *fakeStore) isLive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[pid]
	return ok
}

func (s *fakeStore) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// captureSink collects result log lines.
type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureSink) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

var testCredentials = StaticSource{
	TierNonProduction: {Username: "deploy-np", Password: "np-secret"},
	TierProduction:    {Username: "deploy-prod", Password: "prod-secret"},
}

func testConfig() Config {
	return Config{
		Executables: map[string]string{
			DefaultCompatibilityKey: "/opt/deployd/deploy-runner",
			"py3":                   "/opt/deployd/deploy-runner-py3",
		},
		ArtifactDir: "/var/lib/deployd/plans",
		Owner:       "instance-a",
	}
}
