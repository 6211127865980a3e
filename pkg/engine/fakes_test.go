package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory Store with the same conditional semantics as the
// SQL stores.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	nextID    int64
	requests  map[int64]*DeploymentRequest
	results   map[int64]*DeploymentResult
	processes []ProcessRecord
	status    map[string]ResultStatus

	clearErr       error
	queryErr       error
	stealClaims    bool
	transitionLog  []string
	processAddLogs int
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		requests: make(map[int64]*DeploymentRequest),
		results:  make(map[int64]*DeploymentResult),
		status:   make(map[string]ResultStatus),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateRequest(ctx context.Context, req *DeploymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == 0 {
		req.ID = m.id()
	} else if req.ID > m.nextID {
		m.nextID = req.ID
	}
	if req.Status == "" {
		req.Status = RequestStatusPending
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = m.now()
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memStore) GetRequest(ctx context.Context, id int64) (*DeploymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, NewPermanentError("request not found", nil).WithCode(ErrCodeNotFound).WithRequest(id)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) QueryRequests(ctx context.Context, filter RequestFilter) ([]*DeploymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	var out []*DeploymentRequest
	for _, id := range m.sortedRequestIDs() {
		req := m.requests[id]
		if req.Production != filter.Production || !containsStatus(filter.Statuses, req.Status) {
			continue
		}
		if filter.StartedBefore != nil {
			started := req.RequestedAt
			if req.StartedAt != nil {
				started = *req.StartedAt
			}
			if !started.Before(*filter.StartedBefore) {
				continue
			}
		}
		cp := *req
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) TransitionIf(ctx context.Context, ids []int64, expected, next RequestStatus) (int64, error) {
	if !expected.CanTransitionTo(next) {
		return 0, fmt.Errorf("transition %s -> %s not allowed", expected, next)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stealClaims && expected == RequestStatusPending && next == RequestStatusRequesting {
		return 0, nil
	}

	var n int64
	for _, id := range ids {
		req, ok := m.requests[id]
		if !ok || req.Status != expected {
			continue
		}
		req.Status = next
		now := m.now()
		switch {
		case next == RequestStatusRunning:
			req.StartedAt = &now
		case next.IsTerminal():
			req.CompletedAt = &now
		case next == RequestStatusPending:
			req.CompletedAt = nil
		}
		m.transitionLog = append(m.transitionLog, fmt.Sprintf("%d:%s->%s", id, expected, next))
		n++
	}
	return n, nil
}

func (m *memStore) EnsureResults(ctx context.Context, requestID int64, components []ComponentRef) ([]*DeploymentResult, error) {
	m.mu.Lock()
	existing := make(map[string]bool)
	for _, r := range m.results {
		if r.RequestID == requestID {
			existing[r.Component] = true
		}
	}
	for _, ref := range components {
		if existing[ref.Name] {
			continue
		}
		id := m.id()
		m.results[id] = &DeploymentResult{
			ID:        id,
			RequestID: requestID,
			Component: ref.Name,
			Kind:      ref.Kind,
			Position:  ref.Position,
			Status:    ResultStatusPending,
			UpdatedAt: m.now(),
		}
	}
	m.mu.Unlock()
	return m.ListResults(ctx, requestID)
}

func (m *memStore) ListResults(ctx context.Context, requestID int64) ([]*DeploymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeploymentResult
	for _, r := range m.results {
		if r.RequestID == requestID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memStore) QueryResults(ctx context.Context, filter ResultFilter) ([]*DeploymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DeploymentResult
	for _, r := range m.results {
		req := m.requests[r.RequestID]
		if r.Status != filter.Status || req == nil || req.Status != filter.RequestStatus || req.Production != filter.Production {
			continue
		}
		if filter.ActiveSince != nil && req.RequestedAt.Before(*filter.ActiveSince) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) TransitionResults(ctx context.Context, requestIDs []int64, expected, next ResultStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.results {
		if r.Status == expected && containsID(requestIDs, r.RequestID) {
			r.Status = next
			n++
		}
	}
	return n, nil
}

func (m *memStore) TransitionResultIf(ctx context.Context, resultID int64, expected, next ResultStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok || r.Status != expected {
		return 0, nil
	}
	r.Status = next
	return 1, nil
}

func (m *memStore) SetResultStatus(ctx context.Context, resultID int64, status ResultStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return NewPermanentError("result not found", nil).WithCode(ErrCodeNotFound)
	}
	r.Status = status
	return nil
}

func (m *memStore) AppendResultLog(ctx context.Context, resultID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return NewPermanentError("result not found", nil).WithCode(ErrCodeNotFound)
	}
	r.Log += text
	return nil
}

func (m *memStore) SetPlanArtifact(ctx context.Context, resultID int64, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[resultID]; ok {
		r.PlanArtifact = location
	}
	return nil
}

func (m *memStore) ClearResults(ctx context.Context, requestID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	for id, r := range m.results {
		if r.RequestID == requestID {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *memStore) SetComponentStatus(ctx context.Context, environment, component string, status ResultStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[environment+"/"+component] = status
	return nil
}

func (m *memStore) AddProcess(ctx context.Context, rec ProcessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes = append(m.processes, rec)
	m.processAddLogs++
	return nil
}

func (m *memStore) GetProcesses(ctx context.Context, requestID int64) ([]ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessRecord
	for _, rec := range m.processes {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) ListProcesses(ctx context.Context, owner string) ([]ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessRecord
	for _, rec := range m.processes {
		if owner == "" || rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) RemoveProcess(ctx context.Context, rec ProcessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.processes[:0]
	for _, p := range m.processes {
		if p.PID == rec.PID && p.Host == rec.Host && p.RequestID == rec.RequestID {
			continue
		}
		kept = append(kept, p)
	}
	m.processes = kept
	return nil
}

func (m *memStore) sortedRequestIDs() []int64 {
	ids := make([]int64, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memStore) requestStatus(t *testing.T, id int64) RequestStatus {
	t.Helper()
	req, err := m.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRequest(%d) failed: %v", id, err)
	}
	return req.Status
}

func (m *memStore) resultsOf(t *testing.T, id int64) []*DeploymentResult {
	t.Helper()
	results, err := m.ListResults(context.Background(), id)
	if err != nil {
		t.Fatalf("ListResults(%d) failed: %v", id, err)
	}
	return results
}

func (m *memStore) processCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

func containsStatus(statuses []RequestStatus, s RequestStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// mockScriptDispatcher records dispatches. When block is set, Dispatch
// records a process for the request and waits for cancellation, the way a
// real worker blocks until it exits or is killed.
type mockScriptDispatcher struct {
	mu       sync.Mutex
	store    ProcessStore
	block    bool
	fail     map[string]bool
	started  chan int64
	calls    []ScriptDispatch
	nextPID  int
	instance string
}

func newMockScriptDispatcher() *mockScriptDispatcher {
	return &mockScriptDispatcher{
		fail:     make(map[string]bool),
		started:  make(chan int64, 16),
		nextPID:  1000,
		instance: "test-instance",
	}
}

func (m *mockScriptDispatcher) Dispatch(ctx context.Context, req ScriptDispatch, log LogSink) (bool, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.nextPID++
	pid := m.nextPID
	fail := len(req.Scripts) > 0 && m.fail[req.Scripts[0].Path]
	block := m.block
	m.mu.Unlock()

	log.Printf("running %d scripts", len(req.Scripts))
	if !block {
		return !fail, nil
	}

	rec := ProcessRecord{PID: pid, RequestID: req.RequestID, Owner: m.instance, CreatedAt: time.Now()}
	if m.store != nil {
		if err := m.store.AddProcess(ctx, rec); err != nil {
			return false, err
		}
		defer func() { _ = m.store.RemoveProcess(context.WithoutCancel(ctx), rec) }()
	}
	m.started <- req.RequestID
	<-ctx.Done()
	return false, NewCancelledError("worker terminated", ctx.Err())
}

func (m *mockScriptDispatcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPlanDispatcher struct {
	mu    sync.Mutex
	calls []PlanOperation
	fail  bool

	// onDispatch runs after the call is recorded, outside the lock.
	onDispatch func(PlanOperation)
}

func (m *mockPlanDispatcher) DispatchAsync(ctx context.Context, req PlanDispatch, log LogSink) (bool, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Operation)
	hook := m.onDispatch
	m.mu.Unlock()

	log.Printf("%s for %s", req.Operation, req.Component.Name)
	if hook != nil {
		hook(req.Operation)
	}
	return !m.fail, nil
}

func (m *mockPlanDispatcher) operations() []PlanOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlanOperation{}, m.calls...)
}

type mockKiller struct {
	mu     sync.Mutex
	killed []ProcessRecord
	err    error
}

func (m *mockKiller) Kill(ctx context.Context, rec ProcessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.killed = append(m.killed, rec)
	return nil
}

func (m *mockKiller) killedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.killed)
}

type mockTierPolicy struct {
	decision TierDecision
	err      error
}

func (m *mockTierPolicy) Evaluate(ctx context.Context, input TierInput) (TierDecision, error) {
	return m.decision, m.err
}

type mockScripter struct {
	values map[string]any
}

func (m *mockScripter) EvaluateProperties(ctx context.Context, script string, input map[string]any) (map[string]any, error) {
	if script == "fail" {
		return nil, errors.New("script failed")
	}
	return m.values, nil
}

// harness wires a state processor around the fakes.
type harness struct {
	store     *memStore
	scripts   *mockScriptDispatcher
	plans     *mockPlanDispatcher
	killer    *mockKiller
	registry  *Registry
	processor *StateProcessor
	sweeper   *PlanSweeper
}

func newHarness(t *testing.T, cfg ProcessorConfig, opts ...ProcessorOption) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		scripts:  newMockScriptDispatcher(),
		plans:    &mockPlanDispatcher{},
		killer:   &mockKiller{},
		registry: NewRegistry(),
	}
	h.scripts.store = h.store
	if cfg.InstanceID == "" {
		cfg.InstanceID = "test-instance"
	}
	if cfg.TerminateTimeout == 0 {
		cfg.TerminateTimeout = 2 * time.Second
	}
	logger := zerolog.Nop()
	components := NewComponentProcessor(h.store, h.scripts, h.plans, logger)
	h.processor = NewStateProcessor(h.store, components, h.killer, h.registry, logger, cfg, opts...)
	h.sweeper = NewPlanSweeper(h.store, components, h.registry, logger, SweeperConfig{})
	return h
}

func scriptSpec(name string, nonProdOnly bool) ComponentSpec {
	return ComponentSpec{
		Name:              name,
		Kind:              ComponentKindScript,
		NonProductionOnly: nonProdOnly,
		Scripts:           []Script{{Path: name + ".sh"}},
	}
}

func infraSpec(name string) ComponentSpec {
	return ComponentSpec{
		Name:     name,
		Kind:     ComponentKindInfrastructure,
		Provider: "providers/" + name + ".yaml",
		Config:   json.RawMessage(`{"size":"small"}`),
	}
}

// submit creates a pending request with the given components.
func (h *harness) submit(t *testing.T, id int64, env string, production bool, specs ...ComponentSpec) *DeploymentRequest {
	t.Helper()
	detail, err := json.Marshal(RequestDetail{
		Build:      BuildInfo{Reference: "1.0.0", ScriptRoot: "/builds/1.0.0"},
		Components: specs,
	})
	if err != nil {
		t.Fatalf("failed to marshal detail: %v", err)
	}
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	req := &DeploymentRequest{
		ID:          id,
		Environment: env,
		Project:     "billing",
		Build:       "1.0.0",
		Components:  names,
		RequestedBy: "alice",
		Production:  production,
		Detail:      detail,
	}
	if err := h.store.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}
	return req
}

// setStatus forces a request's status, as the outer API would.
func (h *harness) setStatus(id int64, status RequestStatus) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.requests[id].Status = status
}

// waitForStatus polls until the request reaches status.
func (h *harness) waitForStatus(t *testing.T, id int64, status RequestStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.store.requestStatus(t, id) == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %d did not reach %s, last status %s", id, status, h.store.requestStatus(t, id))
}
