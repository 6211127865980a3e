//go:build unix

package dispatch

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeWorkerEnv = "DEPLOYD_TEST_FAKE_WORKER"

// TestMain lets the test binary act as a worker when re-executed by the
// local spawner.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeWorkerEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	os.Exit(m.Run())
}

func runFakeWorker(mode string) int {
	if mode == "crash" {
		return 3
	}
	conn, err := net.Dial("unix", os.Getenv(protocol.ChannelEnv))
	if err != nil {
		return 2
	}
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)
	if err := enc.EncodeReady(&protocol.ReadyMessage{Version: "fake", PID: os.Getpid()}); err != nil {
		return 2
	}
	cmd, err := dec.DecodeCommand()
	if err != nil {
		return 2
	}
	os.Stderr.WriteString("fake worker diagnostics\n")
	if mode == "hang" {
		time.Sleep(time.Minute)
		return 0
	}
	_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Message: "hello from " + strconv.Itoa(os.Getpid())})
	_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: []byte(`{"scripts":[]}`)})
	_ = enc.EncodeExit(&protocol.ExitMessage{Reason: "done", ExitCode: 0})
	return 0
}

func localTestConfig(t *testing.T) Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Executables = map[string]string{DefaultCompatibilityKey: exe}
	cfg.StartupTimeout = 10 * time.Second
	cfg.CommandTimeout = time.Minute
	return cfg
}

func TestLocalSpawnerRunsWorker(t *testing.T) {
	t.Setenv(fakeWorkerEnv, "ok")
	socketDir, err := os.MkdirTemp("", "dd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	store := newFakeStore()
	d := NewScriptDispatcher(localTestConfig(t), NewLocalSpawner(socketDir, false, zerolog.Nop()), store, testCredentials, zerolog.Nop())
	sink := &captureSink{}

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), sink)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, store.added, 1)
	assert.Contains(t, sink.String(), "hello from "+strconv.Itoa(store.added[0].PID))
	assert.Equal(t, 0, store.liveCount())

	_, err = os.Stat(socketDir + "/deploy-42.sock")
	assert.True(t, os.IsNotExist(err), "socket file must be removed")
}

func TestLocalSpawnerWorkerCrashesBeforeConnecting(t *testing.T) {
	t.Setenv(fakeWorkerEnv, "crash")
	socketDir, err := os.MkdirTemp("", "dd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	store := newFakeStore()
	d := NewScriptDispatcher(localTestConfig(t), NewLocalSpawner(socketDir, false, zerolog.Nop()), store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.True(t, hasCode(err, engine.ErrCodeWorkerSpawn))
	assert.Equal(t, 0, store.liveCount())
}

func TestLocalSpawnerCancelKillsProcess(t *testing.T) {
	t.Setenv(fakeWorkerEnv, "hang")
	socketDir, err := os.MkdirTemp("", "dd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	store := newFakeStore()
	d := NewScriptDispatcher(localTestConfig(t), NewLocalSpawner(socketDir, false, zerolog.Nop()), store, testCredentials, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	started := time.Now()
	ok, err := d.Dispatch(ctx, scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrCancelled)
	assert.Less(t, time.Since(started), 30*time.Second)
	assert.Equal(t, 0, store.liveCount())
}

func TestLocalSpawnerMissingExecutable(t *testing.T) {
	s := NewLocalSpawner(t.TempDir(), false, zerolog.Nop())
	_, err := s.Spawn(context.Background(), SpawnSpec{RequestID: 1, Executable: "/nonexistent/deploy-runner"})
	assert.Error(t, err)
}

func TestKillerLocal(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	k := NewKiller(nil, nil, zerolog.Nop())
	rec := engine.ProcessRecord{PID: cmd.Process.Pid, RequestID: 42}
	require.NoError(t, k.Kill(context.Background(), rec))

	err := cmd.Wait()
	require.Error(t, err)
	assert.Equal(t, -1, cmd.ProcessState.ExitCode(), "killed by signal")

	// Already gone: still not an error.
	assert.NoError(t, k.Kill(context.Background(), rec))
}

func TestKillerUnknownRemoteHost(t *testing.T) {
	k := NewKiller(nil, nil, zerolog.Nop())
	err := k.Kill(context.Background(), engine.ProcessRecord{PID: 10, RequestID: 1, Host: "nowhere"})
	assert.Error(t, err)
}

func TestKillerCountsEachKillOnce(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)
	k := NewKiller(nil, metrics, zerolog.Nop())

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	require.NoError(t, k.Kill(context.Background(), engine.ProcessRecord{PID: cmd.Process.Pid, RequestID: 42}))
	_ = cmd.Wait()

	assert.Error(t, k.Kill(context.Background(), engine.ProcessRecord{PID: 10, RequestID: 1, Host: "nowhere"}))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `deployd_process_kills_total{outcome="killed"} 1`)
	assert.Contains(t, body, `deployd_process_kills_total{outcome="error"} 1`)
}
