package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptRequest(scripts ...engine.Script) engine.ScriptDispatch {
	return engine.ScriptDispatch{
		ScriptRoot:  "/srv/builds/web/1.4.2",
		Scripts:     scripts,
		Properties:  map[string]any{"port": 8080},
		RequestID:   42,
		ResultID:    7,
		Environment: "staging",
	}
}

func hasCode(err error, code string) bool {
	var ee *engine.EngineError
	return errors.As(err, &ee) && ee.Code == code
}

func TestGroupScripts(t *testing.T) {
	tests := []struct {
		name    string
		scripts []engine.Script
		want    []string
	}{
		{name: "empty", scripts: nil, want: nil},
		{
			name:    "single default group",
			scripts: []engine.Script{{Path: "a.sh"}, {Path: "b.sh"}},
			want:    []string{"default:a.sh,b.sh"},
		},
		{
			name: "consecutive runs keep order",
			scripts: []engine.Script{
				{Path: "a.sh"},
				{Path: "b.py", RuntimeVersion: "py3"},
				{Path: "c.py", RuntimeVersion: "py3"},
				{Path: "d.sh"},
			},
			want: []string{"default:a.sh", "py3:b.py,c.py", "default:d.sh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, g := range GroupScripts(tt.scripts) {
				s := g.Key + ":"
				for i, script := range g.Scripts {
					if i > 0 {
						s += ","
					}
					s += script.Path
				}
				got = append(got, s)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScriptDispatchSuccess(t *testing.T) {
	store := newFakeStore()
	spawner := &fakeSpawner{}
	var sawRecord bool
	var params protocol.ScriptRunParams
	spawner.behaviors = []behavior{{
		events: []string{"installing", "restarting service"},
		result: protocol.ScriptRunResult{Scripts: []protocol.ScriptOutcome{{Path: "install.sh", Duration: 1.5}}},
		onCommand: func(cmd *protocol.CommandMessage) {
			sawRecord = store.isLive(1000)
			_ = json.Unmarshal(cmd.Params, &params)
		},
	}}

	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())
	sink := &captureSink{}

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "install.sh"}), sink)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, sawRecord, "process record must exist before the command is sent")
	assert.Equal(t, 0, store.liveCount(), "process record must be removed")
	require.Len(t, store.added, 1)
	assert.Equal(t, engine.ProcessRecord{
		PID: 1000, RequestID: 42, Owner: "instance-a", CreatedAt: store.added[0].CreatedAt,
	}, store.added[0])

	specs := spawner.spawned()
	require.Len(t, specs, 1)
	assert.Equal(t, "/opt/deployd/deploy-runner", specs[0].Executable)
	assert.Equal(t, "deploy-np", specs[0].Credentials.Username)

	assert.Equal(t, int64(7), params.ResultID)
	assert.Equal(t, "/srv/builds/web/1.4.2", params.ScriptRoot)
	assert.Equal(t, "staging", params.Environment)
	assert.Equal(t, float64(8080), params.Properties["port"])

	log := sink.String()
	assert.Contains(t, log, "installing")
	assert.Contains(t, log, "restarting service")
	assert.Contains(t, log, "install.sh exited 0")
}

func TestScriptDispatchUsesProductionCredentials(t *testing.T) {
	spawner := &fakeSpawner{}
	d := NewScriptDispatcher(testConfig(), spawner, newFakeStore(), testCredentials, zerolog.Nop())

	req := scriptRequest(engine.Script{Path: "install.sh"})
	req.Production = true
	ok, err := d.Dispatch(context.Background(), req, &captureSink{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "deploy-prod", spawner.spawned()[0].Credentials.Username)
}

func TestScriptDispatchMissingCredentials(t *testing.T) {
	spawner := &fakeSpawner{}
	creds := StaticSource{TierNonProduction: {Username: "deploy-np"}}
	d := NewScriptDispatcher(testConfig(), spawner, newFakeStore(), creds, zerolog.Nop())

	req := scriptRequest(engine.Script{Path: "install.sh"})
	req.Production = true
	ok, err := d.Dispatch(context.Background(), req, &captureSink{})

	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, hasCode(err, engine.ErrCodeCredentialsMissing))
	assert.Empty(t, spawner.spawned(), "nothing may be spawned without credentials")
}

func TestScriptDispatchWorkerFailure(t *testing.T) {
	store := newFakeStore()
	spawner := &fakeSpawner{behaviors: []behavior{{
		exitCode: protocol.ExitFailure,
		fail:     &protocol.ErrorMessage{Code: protocol.ErrCodeScriptFailed, Message: "install.sh exited with code 2"},
	}}}
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())
	sink := &captureSink{}

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "install.sh"}), sink)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, sink.String(), "install.sh exited with code 2")
	assert.Contains(t, sink.String(), "worker exited with code 1")
	assert.Equal(t, 0, store.liveCount())
}

func TestScriptDispatchSentinelExitIsCancellation(t *testing.T) {
	store := newFakeStore()
	spawner := &fakeSpawner{behaviors: []behavior{{
		exitCode: protocol.ExitCancelled,
		fail:     &protocol.ErrorMessage{Code: protocol.ErrCodeCancelled, Message: "terminated"},
	}}}
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "install.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrCancelled)
	assert.Equal(t, 0, store.liveCount())
}

func TestScriptDispatchCancelKillsWorker(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	spawner := &fakeSpawner{behaviors: []behavior{{
		block:     true,
		onCommand: func(*protocol.CommandMessage) { close(started) },
	}}}
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	ok, err := d.Dispatch(ctx, scriptRequest(engine.Script{Path: "long.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrCancelled)
	assert.True(t, spawner.worker(0).wasKilled())
	assert.Equal(t, 0, store.liveCount(), "record must be removed after a kill")
}

func TestScriptDispatchGroups(t *testing.T) {
	t.Run("each group gets its own worker", func(t *testing.T) {
		spawner := &fakeSpawner{}
		d := NewScriptDispatcher(testConfig(), spawner, newFakeStore(), testCredentials, zerolog.Nop())

		ok, err := d.Dispatch(context.Background(), scriptRequest(
			engine.Script{Path: "a.sh"},
			engine.Script{Path: "b.py", RuntimeVersion: "py3"},
		), &captureSink{})
		require.NoError(t, err)
		assert.True(t, ok)

		specs := spawner.spawned()
		require.Len(t, specs, 2)
		assert.Equal(t, "/opt/deployd/deploy-runner", specs[0].Executable)
		assert.Equal(t, "/opt/deployd/deploy-runner-py3", specs[1].Executable)
	})

	t.Run("a failing group stops the dispatch", func(t *testing.T) {
		spawner := &fakeSpawner{behaviors: []behavior{{exitCode: 1, fail: &protocol.ErrorMessage{Code: "SCRIPT_FAILED", Message: "boom"}}}}
		d := NewScriptDispatcher(testConfig(), spawner, newFakeStore(), testCredentials, zerolog.Nop())

		ok, err := d.Dispatch(context.Background(), scriptRequest(
			engine.Script{Path: "a.sh"},
			engine.Script{Path: "b.py", RuntimeVersion: "py3"},
		), &captureSink{})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, spawner.spawned(), 1)
	})
}

func TestScriptDispatchUnknownRuntime(t *testing.T) {
	spawner := &fakeSpawner{}
	d := NewScriptDispatcher(testConfig(), spawner, newFakeStore(), testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "x.rb", RuntimeVersion: "ruby"}), &captureSink{})
	assert.False(t, ok)
	assert.True(t, hasCode(err, engine.ErrCodeWorkerNotFound))
	assert.Empty(t, spawner.spawned())
}

func TestScriptDispatchSpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exec format error")}
	store := newFakeStore()
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.True(t, hasCode(err, engine.ErrCodeWorkerSpawn))
	assert.Empty(t, store.added)
}

func TestScriptDispatchRecordFailureKillsWorker(t *testing.T) {
	spawner := &fakeSpawner{behaviors: []behavior{{block: true}}}
	store := newFakeStore()
	store.addErr = errors.New("database is locked")
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.True(t, hasCode(err, engine.ErrCodeStore))
	assert.True(t, spawner.worker(0).wasKilled())
}

func TestScriptDispatchWorkerNeverReady(t *testing.T) {
	spawner := &fakeSpawner{behaviors: []behavior{{noReady: true}}}
	store := newFakeStore()
	cfg := testConfig()
	cfg.StartupTimeout = 50 * time.Millisecond
	d := NewScriptDispatcher(cfg, spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	assert.False(t, ok)
	assert.True(t, hasCode(err, engine.ErrCodeWorkerSpawn))
	assert.True(t, spawner.worker(0).wasKilled())
	assert.Equal(t, 0, store.liveCount())
}

func infraRequest(op engine.PlanOperation, artifact string) engine.PlanDispatch {
	return engine.PlanDispatch{
		ScriptRoot: "/srv/builds/web/1.4.2",
		Component: &engine.InfraComponent{
			Name:     "dns",
			Provider: "providers/dns.yaml",
			Config:   json.RawMessage(`{"zone":"example.com"}`),
		},
		Result:      &engine.DeploymentResult{ID: 9, RequestID: 42, Component: "dns", PlanArtifact: artifact},
		RequestID:   42,
		Environment: "staging",
		Operation:   op,
	}
}

func TestPlanDispatchCreateRecordsArtifact(t *testing.T) {
	store := newFakeStore()
	var cmdType protocol.CommandType
	var params protocol.PlanParams
	spawner := &fakeSpawner{behaviors: []behavior{{
		result: protocol.PlanResult{Artifact: "/var/lib/deployd/plans/plan-42-9.json", Checksum: "abc", Changes: 2, Summary: "2 records"},
		onCommand: func(cmd *protocol.CommandMessage) {
			cmdType = cmd.Type
			_ = json.Unmarshal(cmd.Params, &params)
		},
	}}}
	d := NewPlanDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())
	req := infraRequest(engine.PlanOperationCreate, "")
	sink := &captureSink{}

	ok, err := d.DispatchAsync(context.Background(), req, sink)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, protocol.CommandTypePlanCreate, cmdType)
	assert.Equal(t, "/var/lib/deployd/plans", params.ArtifactDir)
	assert.Equal(t, "providers/dns.yaml", params.Provider)
	assert.Equal(t, "/srv/builds/web/1.4.2", params.ScriptRoot)
	assert.JSONEq(t, `{"zone":"example.com"}`, string(params.Config))

	assert.Equal(t, "/var/lib/deployd/plans/plan-42-9.json", store.artifacts[9])
	assert.Equal(t, "/var/lib/deployd/plans/plan-42-9.json", req.Result.PlanArtifact)
	assert.Contains(t, sink.String(), "awaiting confirmation")
}

func TestPlanDispatchApplyUsesRecordedArtifact(t *testing.T) {
	store := newFakeStore()
	var cmdType protocol.CommandType
	var params protocol.PlanParams
	spawner := &fakeSpawner{behaviors: []behavior{{
		result: protocol.PlanResult{Changes: 2, Summary: "applied 2 changes"},
		onCommand: func(cmd *protocol.CommandMessage) {
			cmdType = cmd.Type
			_ = json.Unmarshal(cmd.Params, &params)
		},
	}}}
	d := NewPlanDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.DispatchAsync(context.Background(), infraRequest(engine.PlanOperationApply, "/plans/p.json"), &captureSink{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, protocol.CommandTypePlanApply, cmdType)
	assert.Equal(t, "/plans/p.json", params.Artifact)
	assert.Empty(t, params.ArtifactDir)
	assert.Empty(t, store.artifacts, "apply must not record a new artifact")
}

func TestPlanDispatchApplyWithoutArtifact(t *testing.T) {
	spawner := &fakeSpawner{}
	d := NewPlanDispatcher(testConfig(), spawner, newFakeStore(), testCredentials, zerolog.Nop())
	sink := &captureSink{}

	ok, err := d.DispatchAsync(context.Background(), infraRequest(engine.PlanOperationApply, ""), sink)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, spawner.spawned())
	assert.Contains(t, sink.String(), "no plan artifact")
}

func TestPlanDispatchCreateWithoutArtifactFails(t *testing.T) {
	store := newFakeStore()
	spawner := &fakeSpawner{behaviors: []behavior{{result: protocol.PlanResult{Changes: 0}}}}
	d := NewPlanDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.DispatchAsync(context.Background(), infraRequest(engine.PlanOperationCreate, ""), &captureSink{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, store.artifacts)
}

func TestRemoteRecordCarriesHost(t *testing.T) {
	store := newFakeStore()
	spawner := &fakeSpawner{host: "worker-1.example.com"}
	d := NewScriptDispatcher(testConfig(), spawner, store, testCredentials, zerolog.Nop())

	ok, err := d.Dispatch(context.Background(), scriptRequest(engine.Script{Path: "a.sh"}), &captureSink{})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, store.removed, 1)
	assert.Equal(t, "worker-1.example.com", store.removed[0].Host)
}
