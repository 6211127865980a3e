package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
)

// dialect captures the differences between the SQL backends. Queries are
// written with ? placeholders and rebound for numbered-parameter databases.
type dialect struct {
	numbered  bool
	timeValue func(time.Time) any
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements engine.Store over database/sql. Every status change is
// a single conditional UPDATE whose affected row count is the result.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

const requestColumns = `id, environment, project, build, components, requested_by, production,
	status, requested_at, started_at, completed_at, detail`

const resultColumns = `id, request_id, component, kind, position, status, log, plan_artifact, updated_at`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) ts(t time.Time) any {
	return s.dialect.timeValue(t)
}

func (s *sqlStore) nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

func notFound(what string, id int64) *engine.EngineError {
	return engine.NewPermanentError(what+" not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("id", id)
}

// HealthCheck verifies the database connection.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Requests

// CreateRequest inserts a request. The status defaults to pending and the
// submission time to now.
func (s *sqlStore) CreateRequest(ctx context.Context, req *engine.DeploymentRequest) error {
	if req.Environment == "" {
		return engine.NewPermanentError("request environment is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if req.Status == "" {
		req.Status = engine.RequestStatusPending
	}
	if err := req.Status.Validate(); err != nil {
		return engine.NewPermanentError("invalid request", err).WithCode(engine.ErrCodeValidation)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}
	req.RequestedAt = req.RequestedAt.UTC()

	components := req.Components
	if components == nil {
		components = []string{}
	}
	encoded, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}
	var detail any
	if len(req.Detail) > 0 {
		detail = string(req.Detail)
	}

	query := `
		INSERT INTO deployment_requests
			(environment, project, build, components, requested_by, production, status, requested_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(query),
		req.Environment,
		req.Project,
		req.Build,
		string(encoded),
		req.RequestedBy,
		req.Production,
		string(req.Status),
		s.ts(req.RequestedAt),
		detail,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *sqlStore) GetRequest(ctx context.Context, id int64) (*engine.DeploymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM deployment_requests WHERE id = ?`
	req, err := scanRequest(s.db.QueryRowContext(ctx, s.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("request", id).WithRequest(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// QueryRequests returns requests matching the filter in ascending ID order.
func (s *sqlStore) QueryRequests(ctx context.Context, filter engine.RequestFilter) ([]*engine.DeploymentRequest, error) {
	if len(filter.Statuses) == 0 {
		return nil, engine.NewPermanentError("request query needs at least one status", nil).WithCode(engine.ErrCodeValidation)
	}

	args := []any{filter.Production}
	for _, st := range filter.Statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + requestColumns + ` FROM deployment_requests
		WHERE production = ? AND status IN (` + placeholders(len(filter.Statuses)) + `)`
	if filter.StartedBefore != nil {
		query += ` AND COALESCE(started_at, requested_at) < ?`
		args = append(args, s.ts(*filter.StartedBefore))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []*engine.DeploymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// TransitionIf moves the listed requests from expected to next in one
// conditional update. Entering running stamps started_at, entering a terminal
// status stamps completed_at, and returning to pending clears completed_at.
func (s *sqlStore) TransitionIf(ctx context.Context, ids []int64, expected, next engine.RequestStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !expected.CanTransitionTo(next) {
		return 0, engine.NewPermanentError(
			fmt.Sprintf("transition %s -> %s not allowed", expected, next), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	now := s.now()
	args := []any{string(next)}
	set := `status = ?`
	switch {
	case next == engine.RequestStatusRunning:
		set += `, started_at = ?`
		args = append(args, s.ts(now))
	case next.IsTerminal():
		set += `, completed_at = ?`
		args = append(args, s.ts(now))
	case next == engine.RequestStatusPending:
		set += `, completed_at = NULL`
	}
	args = append(args, string(expected))
	for _, id := range ids {
		args = append(args, id)
	}

	query := `UPDATE deployment_requests SET ` + set +
		` WHERE status = ? AND id IN (` + placeholders(len(ids)) + `)`
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to transition requests %s -> %s: %w", expected, next, err)
	}
	return n, nil
}

func scanRequest(row rowScanner) (*engine.DeploymentRequest, error) {
	var (
		req         engine.DeploymentRequest
		status      string
		components  []byte
		detail      []byte
		requestedAt nullTime
		startedAt   nullTime
		completedAt nullTime
	)
	err := row.Scan(
		&req.ID,
		&req.Environment,
		&req.Project,
		&req.Build,
		&components,
		&req.RequestedBy,
		&req.Production,
		&status,
		&requestedAt,
		&startedAt,
		&completedAt,
		&detail,
	)
	if err != nil {
		return nil, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &req.Components); err != nil {
			return nil, fmt.Errorf("invalid components of request %d: %w", req.ID, err)
		}
	}
	if len(detail) > 0 {
		req.Detail = json.RawMessage(detail)
	}
	req.Status = engine.RequestStatus(status)
	req.RequestedAt = requestedAt.Time
	req.StartedAt = startedAt.Ptr()
	req.CompletedAt = completedAt.Ptr()
	return &req, nil
}

// Results

// EnsureResults creates pending results for components that have none and
// returns every result of the request.
func (s *sqlStore) EnsureResults(ctx context.Context, requestID int64, components []engine.ComponentRef) ([]*engine.DeploymentResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.rebind(`
		INSERT INTO deployment_results (request_id, component, kind, position, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id, component) DO NOTHING
	`)
	now := s.now()
	for _, ref := range components {
		if _, err := tx.ExecContext(ctx, query,
			requestID,
			ref.Name,
			string(ref.Kind),
			ref.Position,
			string(engine.ResultStatusPending),
			s.ts(now),
		); err != nil {
			return nil, fmt.Errorf("failed to create result for %s: %w", ref.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit results: %w", err)
	}
	return s.ListResults(ctx, requestID)
}

// ListResults returns the results of a request ordered by position.
func (s *sqlStore) ListResults(ctx context.Context, requestID int64) ([]*engine.DeploymentResult, error) {
	query := `SELECT ` + resultColumns + ` FROM deployment_results WHERE request_id = ? ORDER BY position, id`
	return s.queryResults(ctx, query, requestID)
}

// QueryResults returns results whose owning request matches the filter.
func (s *sqlStore) QueryResults(ctx context.Context, filter engine.ResultFilter) ([]*engine.DeploymentResult, error) {
	args := []any{string(filter.Status), string(filter.RequestStatus), filter.Production}
	query := `SELECT r.id, r.request_id, r.component, r.kind, r.position, r.status, r.log, r.plan_artifact, r.updated_at
		FROM deployment_results r
		JOIN deployment_requests q ON q.id = r.request_id
		WHERE r.status = ? AND q.status = ? AND q.production = ?`
	if filter.ActiveSince != nil {
		query += ` AND q.requested_at >= ?`
		args = append(args, s.ts(*filter.ActiveSince))
	}
	query += ` ORDER BY r.id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}
	return s.queryResults(ctx, query, args...)
}

func (s *sqlStore) queryResults(ctx context.Context, query string, args ...any) ([]*engine.DeploymentResult, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []*engine.DeploymentResult
	for rows.Next() {
		var (
			r         engine.DeploymentResult
			kind      string
			status    string
			updatedAt nullTime
		)
		if err := rows.Scan(
			&r.ID,
			&r.RequestID,
			&r.Component,
			&kind,
			&r.Position,
			&status,
			&r.Log,
			&r.PlanArtifact,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Kind = engine.ComponentKind(kind)
		r.Status = engine.ResultStatus(status)
		r.UpdatedAt = updatedAt.Time
		out = append(out, &r)
	}
	return out, rows.Err()
}

// TransitionResults moves every result of the listed requests from expected to next.
func (s *sqlStore) TransitionResults(ctx context.Context, requestIDs []int64, expected, next engine.ResultStatus) (int64, error) {
	if len(requestIDs) == 0 {
		return 0, nil
	}
	args := []any{string(next), s.ts(s.now()), string(expected)}
	for _, id := range requestIDs {
		args = append(args, id)
	}
	query := `UPDATE deployment_results SET status = ?, updated_at = ?
		WHERE status = ? AND request_id IN (` + placeholders(len(requestIDs)) + `)`
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to transition results %s -> %s: %w", expected, next, err)
	}
	return n, nil
}

// TransitionResultIf moves one result from expected to next.
func (s *sqlStore) TransitionResultIf(ctx context.Context, resultID int64, expected, next engine.ResultStatus) (int64, error) {
	query := `UPDATE deployment_results SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	n, err := s.exec(ctx, query, string(next), s.ts(s.now()), resultID, string(expected))
	if err != nil {
		return 0, fmt.Errorf("failed to transition result %d: %w", resultID, err)
	}
	return n, nil
}

// SetResultStatus sets a result's status unconditionally.
func (s *sqlStore) SetResultStatus(ctx context.Context, resultID int64, status engine.ResultStatus) error {
	if err := status.Validate(); err != nil {
		return engine.NewPermanentError("invalid result status", err).WithCode(engine.ErrCodeValidation)
	}
	n, err := s.exec(ctx, `UPDATE deployment_results SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.ts(s.now()), resultID)
	if err != nil {
		return fmt.Errorf("failed to set result status: %w", err)
	}
	if n == 0 {
		return notFound("result", resultID)
	}
	return nil
}

// AppendResultLog appends text to the result log.
func (s *sqlStore) AppendResultLog(ctx context.Context, resultID int64, text string) error {
	if text == "" {
		return nil
	}
	n, err := s.exec(ctx, `UPDATE deployment_results SET log = log || ?, updated_at = ? WHERE id = ?`,
		text, s.ts(s.now()), resultID)
	if err != nil {
		return fmt.Errorf("failed to append result log: %w", err)
	}
	if n == 0 {
		return notFound("result", resultID)
	}
	return nil
}

// SetPlanArtifact records the location of a result's computed plan.
func (s *sqlStore) SetPlanArtifact(ctx context.Context, resultID int64, location string) error {
	n, err := s.exec(ctx, `UPDATE deployment_results SET plan_artifact = ?, updated_at = ? WHERE id = ?`,
		location, s.ts(s.now()), resultID)
	if err != nil {
		return fmt.Errorf("failed to set plan artifact: %w", err)
	}
	if n == 0 {
		return notFound("result", resultID)
	}
	return nil
}

// ClearResults deletes every result of a request.
func (s *sqlStore) ClearResults(ctx context.Context, requestID int64) error {
	if _, err := s.exec(ctx, `DELETE FROM deployment_results WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("failed to clear results of request %d: %w", requestID, err)
	}
	return nil
}

// SetComponentStatus records the last known status of a component in an environment.
func (s *sqlStore) SetComponentStatus(ctx context.Context, environment, component string, status engine.ResultStatus) error {
	query := `
		INSERT INTO component_status (environment, component, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (environment, component) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	if _, err := s.exec(ctx, query, environment, component, string(status), s.ts(s.now())); err != nil {
		return fmt.Errorf("failed to set component status: %w", err)
	}
	return nil
}

// GetComponentStatus returns the last known status of a component in an environment.
func (s *sqlStore) GetComponentStatus(ctx context.Context, environment, component string) (engine.ResultStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT status FROM component_status WHERE environment = ? AND component = ?`),
		environment, component,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ResultStatusNotSet, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get component status: %w", err)
	}
	return engine.ResultStatus(status), nil
}

// Processes

// AddProcess records a spawned worker. Re-adding the same process refreshes it.
func (s *sqlStore) AddProcess(ctx context.Context, rec engine.ProcessRecord) error {
	if rec.PID <= 0 {
		return engine.NewPermanentError("process record needs a pid", nil).WithCode(engine.ErrCodeValidation)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	query := `
		INSERT INTO request_processes (pid, request_id, host, owner, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (request_id, host, pid) DO UPDATE SET
			owner = excluded.owner,
			created_at = excluded.created_at
	`
	if _, err := s.exec(ctx, query, rec.PID, rec.RequestID, rec.Host, rec.Owner, s.ts(rec.CreatedAt)); err != nil {
		return fmt.Errorf("failed to add process %d: %w", rec.PID, err)
	}
	return nil
}

// GetProcesses returns the process records of a request.
func (s *sqlStore) GetProcesses(ctx context.Context, requestID int64) ([]engine.ProcessRecord, error) {
	return s.queryProcesses(ctx,
		`SELECT pid, request_id, host, owner, created_at FROM request_processes
		 WHERE request_id = ? ORDER BY created_at, pid`, requestID)
}

// ListProcesses returns the records written by owner, or every record when owner is empty.
func (s *sqlStore) ListProcesses(ctx context.Context, owner string) ([]engine.ProcessRecord, error) {
	if owner == "" {
		return s.queryProcesses(ctx,
			`SELECT pid, request_id, host, owner, created_at FROM request_processes
			 ORDER BY request_id, created_at, pid`)
	}
	return s.queryProcesses(ctx,
		`SELECT pid, request_id, host, owner, created_at FROM request_processes
		 WHERE owner = ? ORDER BY request_id, created_at, pid`, owner)
}

func (s *sqlStore) queryProcesses(ctx context.Context, query string, args ...any) ([]engine.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}
	defer rows.Close()

	var out []engine.ProcessRecord
	for rows.Next() {
		var (
			rec       engine.ProcessRecord
			createdAt nullTime
		)
		if err := rows.Scan(&rec.PID, &rec.RequestID, &rec.Host, &rec.Owner, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		rec.CreatedAt = createdAt.Time
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemoveProcess deletes a process record. A missing record is not an error.
func (s *sqlStore) RemoveProcess(ctx context.Context, rec engine.ProcessRecord) error {
	_, err := s.exec(ctx, `DELETE FROM request_processes WHERE request_id = ? AND host = ? AND pid = ?`,
		rec.RequestID, rec.Host, rec.PID)
	if err != nil {
		return fmt.Errorf("failed to remove process %d: %w", rec.PID, err)
	}
	return nil
}
