// Package storetest provides contract tests for work record store
// implementations. Every backend must pass the same suite.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/deployd/pkg/engine"
)

// Store is the surface under test.
type Store interface {
	engine.Store
	GetComponentStatus(ctx context.Context, environment, component string) (engine.ResultStatus, error)
}

// Factory creates a fresh, empty, migrated store for each test.
type Factory func(t *testing.T) Store

// Run exercises the work record store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGetRequest", func(t *testing.T) { testCreateAndGetRequest(t, factory(t)) })
	t.Run("GetRequestNotFound", func(t *testing.T) { testGetRequestNotFound(t, factory(t)) })
	t.Run("QueryRequests", func(t *testing.T) { testQueryRequests(t, factory(t)) })
	t.Run("QueryRequestsStartedBefore", func(t *testing.T) { testQueryRequestsStartedBefore(t, factory(t)) })
	t.Run("TransitionIf", func(t *testing.T) { testTransitionIf(t, factory(t)) })
	t.Run("TransitionTimestamps", func(t *testing.T) { testTransitionTimestamps(t, factory(t)) })
	t.Run("EnsureResults", func(t *testing.T) { testEnsureResults(t, factory(t)) })
	t.Run("QueryResults", func(t *testing.T) { testQueryResults(t, factory(t)) })
	t.Run("ResultTransitions", func(t *testing.T) { testResultTransitions(t, factory(t)) })
	t.Run("ResultLogAndArtifact", func(t *testing.T) { testResultLogAndArtifact(t, factory(t)) })
	t.Run("ClearResults", func(t *testing.T) { testClearResults(t, factory(t)) })
	t.Run("ComponentStatus", func(t *testing.T) { testComponentStatus(t, factory(t)) })
	t.Run("Processes", func(t *testing.T) { testProcesses(t, factory(t)) })
}

func newRequest(env string, production bool) *engine.DeploymentRequest {
	return &engine.DeploymentRequest{
		Environment: env,
		Project:     "billing",
		Build:       "1.4.2",
		Components:  []string{"schema", "api"},
		RequestedBy: "alice",
		Production:  production,
		Detail:      json.RawMessage(`{"build":{"reference":"1.4.2","script_root":"/srv/builds/1.4.2"}}`),
	}
}

func create(t *testing.T, s Store, req *engine.DeploymentRequest) *engine.DeploymentRequest {
	t.Helper()
	require.NoError(t, s.CreateRequest(context.Background(), req))
	require.NotZero(t, req.ID)
	return req
}

func move(t *testing.T, s Store, id int64, path ...engine.RequestStatus) {
	t.Helper()
	for i := 1; i < len(path); i++ {
		n, err := s.TransitionIf(context.Background(), []int64{id}, path[i-1], path[i])
		require.NoError(t, err)
		require.EqualValues(t, 1, n, "%s -> %s", path[i-1], path[i])
	}
}

func testCreateAndGetRequest(t *testing.T, s Store) {
	ctx := context.Background()
	req := create(t, s, newRequest("staging", false))

	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, "staging", got.Environment)
	assert.Equal(t, "billing", got.Project)
	assert.Equal(t, "1.4.2", got.Build)
	assert.Equal(t, []string{"schema", "api"}, got.Components)
	assert.Equal(t, "alice", got.RequestedBy)
	assert.False(t, got.Production)
	assert.Equal(t, engine.RequestStatusPending, got.Status)
	assert.WithinDuration(t, time.Now(), got.RequestedAt, time.Minute)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, string(req.Detail), string(got.Detail))

	second := create(t, s, newRequest("staging", false))
	assert.Greater(t, second.ID, req.ID, "ids increase with submission order")

	err = s.CreateRequest(ctx, &engine.DeploymentRequest{Project: "billing"})
	assert.Error(t, err, "environment is required")
}

func testGetRequestNotFound(t *testing.T, s Store) {
	_, err := s.GetRequest(context.Background(), 4242)
	require.Error(t, err)

	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodeNotFound, engErr.Code)
}

func testQueryRequests(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, newRequest("staging", false))
	b := create(t, s, newRequest("qa", false))
	c := create(t, s, newRequest("prod-eu", true))
	d := create(t, s, newRequest("staging", false))
	move(t, s, b.ID, engine.RequestStatusPending, engine.RequestStatusRequesting, engine.RequestStatusRunning)

	got, err := s.QueryRequests(ctx, engine.RequestFilter{
		Statuses: []engine.RequestStatus{engine.RequestStatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, d.ID}, ids(got))

	got, err = s.QueryRequests(ctx, engine.RequestFilter{
		Statuses: []engine.RequestStatus{engine.RequestStatusPending, engine.RequestStatusRunning},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID, d.ID}, ids(got))

	got, err = s.QueryRequests(ctx, engine.RequestFilter{
		Statuses: []engine.RequestStatus{engine.RequestStatusPending, engine.RequestStatusRunning},
		Limit:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(got))

	got, err = s.QueryRequests(ctx, engine.RequestFilter{
		Statuses:   []engine.RequestStatus{engine.RequestStatusPending},
		Production: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, ids(got))

	_, err = s.QueryRequests(ctx, engine.RequestFilter{})
	assert.Error(t, err, "a query without statuses is rejected")
}

func testQueryRequestsStartedBefore(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	queued := newRequest("staging", false)
	queued.RequestedAt = old
	create(t, s, queued)

	// Submitted long ago but started just now: aged from its start.
	started := newRequest("qa", false)
	started.RequestedAt = old
	create(t, s, started)
	move(t, s, started.ID, engine.RequestStatusPending, engine.RequestStatusRequesting, engine.RequestStatusRunning)

	create(t, s, newRequest("dev", false))

	cutoff := time.Now().Add(-24 * time.Hour)
	got, err := s.QueryRequests(ctx, engine.RequestFilter{
		Statuses:      []engine.RequestStatus{engine.RequestStatusPending, engine.RequestStatusRunning},
		StartedBefore: &cutoff,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{queued.ID}, ids(got))
}

func testTransitionIf(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, newRequest("staging", false))
	b := create(t, s, newRequest("qa", false))
	move(t, s, b.ID, engine.RequestStatusPending, engine.RequestStatusRequesting)

	n, err := s.TransitionIf(ctx, []int64{a.ID, b.ID}, engine.RequestStatusPending, engine.RequestStatusRequesting)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the pending request moves")

	n, err = s.TransitionIf(ctx, []int64{a.ID}, engine.RequestStatusPending, engine.RequestStatusRequesting)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "a lost claim changes nothing")

	n, err = s.TransitionIf(ctx, nil, engine.RequestStatusPending, engine.RequestStatusRequesting)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = s.TransitionIf(ctx, []int64{a.ID}, engine.RequestStatusRequesting, engine.RequestStatusComplete)
	assert.Error(t, err, "edges outside the state machine are rejected")

	got, err := s.GetRequest(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RequestStatusRequesting, got.Status)
}

func testTransitionTimestamps(t *testing.T, s Store) {
	ctx := context.Background()
	req := create(t, s, newRequest("staging", false))

	move(t, s, req.ID, engine.RequestStatusPending, engine.RequestStatusRequesting, engine.RequestStatusRunning)
	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, time.Now(), *got.StartedAt, time.Minute)
	assert.Nil(t, got.CompletedAt)

	move(t, s, req.ID, engine.RequestStatusRunning, engine.RequestStatusComplete)
	got, err = s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	move(t, s, req.ID, engine.RequestStatusComplete, engine.RequestStatusRestarting, engine.RequestStatusPending)
	got, err = s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.RequestStatusPending, got.Status)
	assert.Nil(t, got.CompletedAt, "restart clears the completion time")
}

func refs() []engine.ComponentRef {
	return []engine.ComponentRef{
		{Name: "schema", Kind: engine.ComponentKindScript, Position: 0},
		{Name: "network", Kind: engine.ComponentKindInfrastructure, Position: 1},
		{Name: "api", Kind: engine.ComponentKindScript, Position: 2},
	}
}

func testEnsureResults(t *testing.T, s Store) {
	ctx := context.Background()
	req := create(t, s, newRequest("staging", false))

	first, err := s.EnsureResults(ctx, req.ID, refs())
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, r := range first {
		assert.Equal(t, req.ID, r.RequestID)
		assert.Equal(t, i, r.Position)
		assert.Equal(t, engine.ResultStatusPending, r.Status)
	}
	assert.Equal(t, "network", first[1].Component)
	assert.Equal(t, engine.ComponentKindInfrastructure, first[1].Kind)

	_, err = s.TransitionResultIf(ctx, first[0].ID, engine.ResultStatusPending, engine.ResultStatusComplete)
	require.NoError(t, err)

	again, err := s.EnsureResults(ctx, req.ID, refs())
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range again {
		assert.Equal(t, first[i].ID, again[i].ID, "existing results are kept")
	}
	assert.Equal(t, engine.ResultStatusComplete, again[0].Status)
}

func testQueryResults(t *testing.T, s Store) {
	ctx := context.Background()
	running := create(t, s, newRequest("staging", false))
	move(t, s, running.ID, engine.RequestStatusPending, engine.RequestStatusRequesting, engine.RequestStatusRunning)
	pending := create(t, s, newRequest("qa", false))
	prod := create(t, s, newRequest("prod-eu", true))
	move(t, s, prod.ID, engine.RequestStatusPending, engine.RequestStatusRequesting, engine.RequestStatusRunning)

	confirm := func(reqID int64) *engine.DeploymentResult {
		results, err := s.EnsureResults(ctx, reqID, refs())
		require.NoError(t, err)
		require.NoError(t, s.SetResultStatus(ctx, results[1].ID, engine.ResultStatusConfirmed))
		return results[1]
	}
	want := confirm(running.ID)
	confirm(pending.ID)
	confirm(prod.ID)

	got, err := s.QueryResults(ctx, engine.ResultFilter{
		Status:        engine.ResultStatusConfirmed,
		RequestStatus: engine.RequestStatusRunning,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)

	future := time.Now().Add(time.Hour)
	got, err = s.QueryResults(ctx, engine.ResultFilter{
		Status:        engine.ResultStatusConfirmed,
		RequestStatus: engine.RequestStatusRunning,
		ActiveSince:   &future,
	})
	require.NoError(t, err)
	assert.Empty(t, got, "requests older than the window are ignored")

	got, err = s.QueryResults(ctx, engine.ResultFilter{
		Status:        engine.ResultStatusConfirmed,
		RequestStatus: engine.RequestStatusRunning,
		Production:    true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, prod.ID, got[0].RequestID)
}

func testResultTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, newRequest("staging", false))
	b := create(t, s, newRequest("qa", false))
	ra, err := s.EnsureResults(ctx, a.ID, refs())
	require.NoError(t, err)
	_, err = s.EnsureResults(ctx, b.ID, refs())
	require.NoError(t, err)

	require.NoError(t, s.SetResultStatus(ctx, ra[0].ID, engine.ResultStatusComplete))

	n, err := s.TransitionResults(ctx, []int64{a.ID}, engine.ResultStatusPending, engine.ResultStatusCancelled)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "only pending results of the listed request move")

	rb, err := s.ListResults(ctx, b.ID)
	require.NoError(t, err)
	for _, r := range rb {
		assert.Equal(t, engine.ResultStatusPending, r.Status)
	}

	require.NoError(t, s.SetResultStatus(ctx, rb[1].ID, engine.ResultStatusConfirmed))
	n, err = s.TransitionResultIf(ctx, rb[1].ID, engine.ResultStatusConfirmed, engine.ResultStatusRunning)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.TransitionResultIf(ctx, rb[1].ID, engine.ResultStatusConfirmed, engine.ResultStatusRunning)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "a result is claimed once")

	err = s.SetResultStatus(ctx, 999999, engine.ResultStatusFailed)
	var engErr *engine.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engine.ErrCodeNotFound, engErr.Code)
}

func testResultLogAndArtifact(t *testing.T, s Store) {
	ctx := context.Background()
	req := create(t, s, newRequest("staging", false))
	results, err := s.EnsureResults(ctx, req.ID, refs())
	require.NoError(t, err)
	id := results[1].ID

	require.NoError(t, s.AppendResultLog(ctx, id, "planning network\n"))
	require.NoError(t, s.AppendResultLog(ctx, id, "plan ready\n"))
	require.NoError(t, s.AppendResultLog(ctx, id, ""))
	require.NoError(t, s.SetPlanArtifact(ctx, id, "/var/lib/deployd/plans/1/network.json"))

	results, err = s.ListResults(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "planning network\nplan ready\n", results[1].Log)
	assert.Equal(t, "/var/lib/deployd/plans/1/network.json", results[1].PlanArtifact)
	assert.Empty(t, results[0].Log)

	assert.Error(t, s.AppendResultLog(ctx, 999999, "lost"))
}

func testClearResults(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, newRequest("staging", false))
	b := create(t, s, newRequest("qa", false))
	_, err := s.EnsureResults(ctx, a.ID, refs())
	require.NoError(t, err)
	_, err = s.EnsureResults(ctx, b.ID, refs())
	require.NoError(t, err)

	require.NoError(t, s.ClearResults(ctx, a.ID))

	got, err := s.ListResults(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = s.ListResults(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, s.ClearResults(ctx, a.ID), "clearing twice is harmless")
}

func testComponentStatus(t *testing.T, s Store) {
	ctx := context.Background()

	status, err := s.GetComponentStatus(ctx, "staging", "api")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultStatusNotSet, status)

	require.NoError(t, s.SetComponentStatus(ctx, "staging", "api", engine.ResultStatusFailed))
	require.NoError(t, s.SetComponentStatus(ctx, "staging", "api", engine.ResultStatusComplete))
	require.NoError(t, s.SetComponentStatus(ctx, "qa", "api", engine.ResultStatusWarning))

	status, err = s.GetComponentStatus(ctx, "staging", "api")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultStatusComplete, status)

	status, err = s.GetComponentStatus(ctx, "qa", "api")
	require.NoError(t, err)
	assert.Equal(t, engine.ResultStatusWarning, status)
}

func testProcesses(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, newRequest("staging", false))
	b := create(t, s, newRequest("qa", false))

	local := engine.ProcessRecord{PID: 4100, RequestID: a.ID, Owner: "instance-a"}
	remote := engine.ProcessRecord{PID: 4100, RequestID: a.ID, Host: "build-01", Owner: "instance-a"}
	other := engine.ProcessRecord{PID: 5200, RequestID: b.ID, Owner: "instance-b"}
	for _, rec := range []engine.ProcessRecord{local, remote, other} {
		require.NoError(t, s.AddProcess(ctx, rec))
	}
	require.NoError(t, s.AddProcess(ctx, local), "re-adding a record is idempotent")

	got, err := s.GetProcesses(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.Equal(t, a.ID, rec.RequestID)
		assert.False(t, rec.CreatedAt.IsZero())
	}

	mine, err := s.ListProcesses(ctx, "instance-a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := s.ListProcesses(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.RemoveProcess(ctx, remote))
	require.NoError(t, s.RemoveProcess(ctx, remote), "removing a missing record is not an error")

	got, err = s.GetProcesses(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsLocal())
	assert.Equal(t, 4100, got[0].PID)

	assert.Error(t, s.AddProcess(ctx, engine.ProcessRecord{RequestID: a.ID, Owner: "instance-a"}))
}

func ids(reqs []*engine.DeploymentRequest) []int64 {
	out := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}
