package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/chambrid/job-orchestrator/internal/domain"
)

// Postgres is the production Store, backed by jackc/pgx's database/sql
// driver adapter and scanned with jmoiron/sqlx. The orchestrator's own
// connection handling stays entirely inside this file; every other
// component speaks only the Store interface.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to dsn and wraps it for sqlx. Migrations are applied
// separately via Migrate (see migrations.go) so tooling can run them
// out-of-process before the orchestrator starts.
func Open(dsn string) (*Postgres, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// openFromStdlib lets tests substitute a pre-built *sql.DB (e.g. one
// backed by go-sqlmock) without going through a real DSN.
func openFromStdlib(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

func (p *Postgres) Close() error { return p.db.Close() }

var _ = stdlib.GetDefaultDriver // keeps the pgx stdlib driver import exercised

// --- row types: JSON-encoded complex fields, scanned then decoded ---

type jobRow struct {
	JobID              string         `db:"job_id"`
	OrgID              string         `db:"org_id"`
	AppVersionID       string         `db:"app_version_id"`
	TestPath           string         `db:"test_path"`
	Target             string         `db:"target"`
	DeviceRequirements []byte         `db:"device_requirements"`
	Priority           int            `db:"priority"`
	TimeoutMS          int            `db:"timeout_ms"`
	RetryBudget        int            `db:"retry_budget"`
	ClientRequestID    sql.NullString `db:"client_request_id"`
	State              string         `db:"state"`
	BatchID            sql.NullString `db:"batch_id"`
	Attempt            int            `db:"attempt"`
	SubmittedAt        time.Time      `db:"submitted_at"`
	StateChangedAt     time.Time      `db:"state_changed_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	FinishedAt         sql.NullTime   `db:"finished_at"`
	RetryNotBefore     sql.NullTime   `db:"retry_not_before"`
	Result             []byte         `db:"result"`
	Revision           int64          `db:"revision"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	j := &domain.Job{
		JobID:           r.JobID,
		OrgID:           r.OrgID,
		AppVersionID:    r.AppVersionID,
		TestPath:        r.TestPath,
		Target:          domain.Target(r.Target),
		Priority:        r.Priority,
		TimeoutMS:       r.TimeoutMS,
		RetryBudget:     r.RetryBudget,
		ClientRequestID: r.ClientRequestID.String,
		State:           domain.JobState(r.State),
		Attempt:         r.Attempt,
		SubmittedAt:     r.SubmittedAt,
		StateChangedAt:  r.StateChangedAt,
		Revision:        r.Revision,
	}
	if len(r.DeviceRequirements) > 0 {
		if err := json.Unmarshal(r.DeviceRequirements, &j.DeviceRequirements); err != nil {
			return nil, err
		}
	}
	if r.BatchID.Valid {
		id := r.BatchID.String
		j.BatchID = &id
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		j.FinishedAt = &t
	}
	if r.RetryNotBefore.Valid {
		t := r.RetryNotBefore.Time
		j.RetryNotBefore = &t
	}
	if len(r.Result) > 0 {
		var res domain.Result
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, err
		}
		j.Result = &res
	}
	return j, nil
}

func fromDomainJob(j *domain.Job) (*jobRow, error) {
	devReq, err := json.Marshal(j.DeviceRequirements)
	if err != nil {
		return nil, err
	}
	var res []byte
	if j.Result != nil {
		res, err = json.Marshal(j.Result)
		if err != nil {
			return nil, err
		}
	}
	r := &jobRow{
		JobID:              j.JobID,
		OrgID:              j.OrgID,
		AppVersionID:       j.AppVersionID,
		TestPath:           j.TestPath,
		Target:             string(j.Target),
		DeviceRequirements: devReq,
		Priority:           j.Priority,
		TimeoutMS:          j.TimeoutMS,
		RetryBudget:        j.RetryBudget,
		ClientRequestID:    sql.NullString{String: j.ClientRequestID, Valid: j.ClientRequestID != ""},
		State:              string(j.State),
		Attempt:            j.Attempt,
		SubmittedAt:        j.SubmittedAt,
		StateChangedAt:     j.StateChangedAt,
		Result:             res,
		Revision:           j.Revision,
	}
	if j.BatchID != nil {
		r.BatchID = sql.NullString{String: *j.BatchID, Valid: true}
	}
	if j.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *j.StartedAt, Valid: true}
	}
	if j.FinishedAt != nil {
		r.FinishedAt = sql.NullTime{Time: *j.FinishedAt, Valid: true}
	}
	if j.RetryNotBefore != nil {
		r.RetryNotBefore = sql.NullTime{Time: *j.RetryNotBefore, Valid: true}
	}
	return r, nil
}

const jobInsertSQL = `
INSERT INTO jobs (job_id, org_id, app_version_id, test_path, target, device_requirements,
	priority, timeout_ms, retry_budget, client_request_id, state, batch_id, attempt,
	submitted_at, state_changed_at, started_at, finished_at, retry_not_before, result, revision)
VALUES (:job_id, :org_id, :app_version_id, :test_path, :target, :device_requirements,
	:priority, :timeout_ms, :retry_budget, :client_request_id, :state, :batch_id, :attempt,
	:submitted_at, :state_changed_at, :started_at, :finished_at, :retry_not_before, :result, :revision)`

func (p *Postgres) InsertJob(ctx context.Context, job *domain.Job) error {
	job.Revision = 1
	row, err := fromDomainJob(job)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, jobInsertSQL, row)
	if err != nil {
		return NewStoreError("InsertJob", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE job_id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetJob", err)
	}
	return row.toDomain()
}

func (p *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error) {
	q := `SELECT * FROM jobs WHERE 1=1`
	var args []interface{}
	if f.OrgID != "" {
		args = append(args, f.OrgID)
		q += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if f.AppVersionID != "" {
		args = append(args, f.AppVersionID)
		q += fmt.Sprintf(" AND app_version_id = $%d", len(args))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		args = append(args, states)
		q += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	q += " ORDER BY submitted_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(q), args...); err != nil {
		return nil, NewStoreError("ListJobs", err)
	}
	return rowsToJobs(rows)
}

// ListPendingJobs returns jobs durably PENDING that are not already a
// member of some non-terminal batch. seal() deliberately leaves member
// jobs' state at PENDING until CommitAssignment flips them to BATCHED
// (see Batcher), so a crash between seal and assignment would otherwise
// make a sealed-but-unassigned job indistinguishable from an unsealed
// one on restart, re-seating it into a fresh queue index and letting it
// be sealed into a second batch.
func (p *Postgres) ListPendingJobs(ctx context.Context) ([]*domain.Job, error) {
	var rows []jobRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM jobs
		WHERE state = $1
		AND job_id NOT IN (
			SELECT jsonb_array_elements_text(member_job_ids)
			FROM batches
			WHERE state NOT IN ($2, $3)
		)`,
		string(domain.JobPending), string(domain.BatchDone), string(domain.BatchFailed))
	if err != nil {
		return nil, NewStoreError("ListPendingJobs", err)
	}
	return rowsToJobs(rows)
}

func rowsToJobs(rows []jobRow) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (p *Postgres) MutateJob(ctx context.Context, jobID string, fn func(*domain.Job) error) error {
	return withTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var row jobRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID); err != nil {
			return NewStoreError("MutateJob.select", err)
		}
		job, err := row.toDomain()
		if err != nil {
			return err
		}
		prevRevision := job.Revision
		if err := fn(job); err != nil {
			return err
		}
		job.Revision = prevRevision + 1
		newRow, err := fromDomainJob(job)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET org_id=?, app_version_id=?, test_path=?, target=?,
			device_requirements=?, priority=?, timeout_ms=?, retry_budget=?, client_request_id=?, state=?,
			batch_id=?, attempt=?, submitted_at=?, state_changed_at=?, started_at=?, finished_at=?,
			retry_not_before=?, result=?, revision=? WHERE job_id=? AND revision=?`),
			newRow.OrgID, newRow.AppVersionID, newRow.TestPath, newRow.Target, newRow.DeviceRequirements,
			newRow.Priority, newRow.TimeoutMS, newRow.RetryBudget, newRow.ClientRequestID, newRow.State,
			newRow.BatchID, newRow.Attempt, newRow.SubmittedAt, newRow.StateChangedAt, newRow.StartedAt,
			newRow.FinishedAt, newRow.RetryNotBefore, newRow.Result, newRow.Revision, jobID, prevRevision)
		if err != nil {
			return NewStoreError("MutateJob.update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrRevisionConflict
		}
		return nil
	})
}

// --- batches ---

type batchRow struct {
	BatchID           string         `db:"batch_id"`
	OrgID             string         `db:"org_id"`
	AppVersionID      string         `db:"app_version_id"`
	Target            string         `db:"target"`
	MemberJobIDs      []byte         `db:"member_job_ids"`
	DeviceRequirements []byte        `db:"device_requirements"`
	Priority          int            `db:"priority"`
	EffectivePriority float64        `db:"effective_priority"`
	State             string         `db:"state"`
	AgentID           sql.NullString `db:"agent_id"`
	SealedAt          time.Time      `db:"sealed_at"`
	AssignedAt        sql.NullTime   `db:"assigned_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	Deadline          sql.NullTime   `db:"deadline"`
	LeaseExpiresAt    sql.NullTime   `db:"lease_expires_at"`
	CancelRequested   bool           `db:"cancel_requested"`
	Revision          int64          `db:"revision"`
}

func (r *batchRow) toDomain() (*domain.Batch, error) {
	b := &domain.Batch{
		BatchID:           r.BatchID,
		OrgID:             r.OrgID,
		AppVersionID:      r.AppVersionID,
		Target:            domain.Target(r.Target),
		Priority:          r.Priority,
		EffectivePriority: r.EffectivePriority,
		State:             domain.BatchState(r.State),
		SealedAt:          r.SealedAt,
		CancelRequested:   r.CancelRequested,
		Revision:          r.Revision,
	}
	if len(r.MemberJobIDs) > 0 {
		if err := json.Unmarshal(r.MemberJobIDs, &b.MemberJobIDs); err != nil {
			return nil, err
		}
	}
	if len(r.DeviceRequirements) > 0 {
		if err := json.Unmarshal(r.DeviceRequirements, &b.DeviceRequirements); err != nil {
			return nil, err
		}
	}
	if r.AgentID.Valid {
		id := r.AgentID.String
		b.AgentID = &id
	}
	if r.AssignedAt.Valid {
		t := r.AssignedAt.Time
		b.AssignedAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		b.StartedAt = &t
	}
	if r.Deadline.Valid {
		t := r.Deadline.Time
		b.Deadline = &t
	}
	if r.LeaseExpiresAt.Valid {
		t := r.LeaseExpiresAt.Time
		b.LeaseExpiresAt = &t
	}
	return b, nil
}

func fromDomainBatch(b *domain.Batch) (*batchRow, error) {
	members, err := json.Marshal(b.MemberJobIDs)
	if err != nil {
		return nil, err
	}
	devReq, err := json.Marshal(b.DeviceRequirements)
	if err != nil {
		return nil, err
	}
	r := &batchRow{
		BatchID:            b.BatchID,
		OrgID:              b.OrgID,
		AppVersionID:       b.AppVersionID,
		Target:             string(b.Target),
		MemberJobIDs:       members,
		DeviceRequirements: devReq,
		Priority:           b.Priority,
		EffectivePriority: b.EffectivePriority,
		State:             string(b.State),
		SealedAt:          b.SealedAt,
		CancelRequested:   b.CancelRequested,
		Revision:          b.Revision,
	}
	if b.AgentID != nil {
		r.AgentID = sql.NullString{String: *b.AgentID, Valid: true}
	}
	if b.AssignedAt != nil {
		r.AssignedAt = sql.NullTime{Time: *b.AssignedAt, Valid: true}
	}
	if b.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *b.StartedAt, Valid: true}
	}
	if b.Deadline != nil {
		r.Deadline = sql.NullTime{Time: *b.Deadline, Valid: true}
	}
	if b.LeaseExpiresAt != nil {
		r.LeaseExpiresAt = sql.NullTime{Time: *b.LeaseExpiresAt, Valid: true}
	}
	return r, nil
}

func (p *Postgres) InsertBatch(ctx context.Context, b *domain.Batch) error {
	b.Revision = 1
	row, err := fromDomainBatch(b)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO batches (batch_id, org_id, app_version_id, target, member_job_ids, device_requirements, priority,
			effective_priority, state, agent_id, sealed_at, assigned_at, started_at, deadline,
			lease_expires_at, cancel_requested, revision)
		VALUES (:batch_id, :org_id, :app_version_id, :target, :member_job_ids, :device_requirements, :priority,
			:effective_priority, :state, :agent_id, :sealed_at, :assigned_at, :started_at, :deadline,
			:lease_expires_at, :cancel_requested, :revision)`, row)
	if err != nil {
		return NewStoreError("InsertBatch", err)
	}
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	var row batchRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM batches WHERE batch_id = $1`, batchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetBatch", err)
	}
	return row.toDomain()
}

func (p *Postgres) ListPendingBatches(ctx context.Context) ([]*domain.Batch, error) {
	return p.listBatchesByStates(ctx, domain.BatchPending)
}

func (p *Postgres) ListActiveBatches(ctx context.Context) ([]*domain.Batch, error) {
	return p.listBatchesByStates(ctx, domain.BatchAssigned, domain.BatchRunning)
}

func (p *Postgres) listBatchesByStates(ctx context.Context, states ...domain.BatchState) ([]*domain.Batch, error) {
	ss := make([]string, len(states))
	for i, s := range states {
		ss[i] = string(s)
	}
	var rows []batchRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM batches WHERE state = ANY($1) ORDER BY effective_priority DESC`, ss)
	if err != nil {
		return nil, NewStoreError("listBatchesByStates", err)
	}
	out := make([]*domain.Batch, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *Postgres) MutateBatch(ctx context.Context, batchID string, fn func(*domain.Batch) error) error {
	return withTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var row batchRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM batches WHERE batch_id = $1 FOR UPDATE`, batchID); err != nil {
			return NewStoreError("MutateBatch.select", err)
		}
		b, err := row.toDomain()
		if err != nil {
			return err
		}
		prevRevision := b.Revision
		if err := fn(b); err != nil {
			return err
		}
		b.Revision = prevRevision + 1
		newRow, err := fromDomainBatch(b)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE batches SET org_id=?, app_version_id=?, target=?,
			member_job_ids=?, priority=?, effective_priority=?, state=?, agent_id=?, sealed_at=?,
			assigned_at=?, started_at=?, deadline=?, lease_expires_at=?, cancel_requested=?, revision=?
			WHERE batch_id=? AND revision=?`),
			newRow.OrgID, newRow.AppVersionID, newRow.Target, newRow.MemberJobIDs, newRow.Priority,
			newRow.EffectivePriority, newRow.State, newRow.AgentID, newRow.SealedAt, newRow.AssignedAt,
			newRow.StartedAt, newRow.Deadline, newRow.LeaseExpiresAt, newRow.CancelRequested, newRow.Revision,
			batchID, prevRevision)
		if err != nil {
			return NewStoreError("MutateBatch.update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrRevisionConflict
		}
		return nil
	})
}

func (p *Postgres) CommitAssignment(ctx context.Context, batchID, agentID string, leaseExpiresAt time.Time) error {
	return withTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var brow batchRow
		if err := tx.GetContext(ctx, &brow, `SELECT * FROM batches WHERE batch_id = $1 FOR UPDATE`, batchID); err != nil {
			return NewStoreError("CommitAssignment.selectBatch", err)
		}
		if domain.BatchState(brow.State) != domain.BatchPending {
			return ErrRevisionConflict
		}
		var arow agentRow
		if err := tx.GetContext(ctx, &arow, `SELECT * FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID); err != nil {
			return NewStoreError("CommitAssignment.selectAgent", err)
		}
		agent, err := arow.toDomain()
		if err != nil {
			return err
		}
		if agent.Status != domain.AgentOnline || len(agent.CurrentBatchIDs) >= agent.MaxConcurrentBatches {
			return ErrRevisionConflict
		}
		now := time.Now()
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE batches SET state=?, agent_id=?, assigned_at=?,
			lease_expires_at=?, revision=revision+1 WHERE batch_id=?`),
			string(domain.BatchAssigned), agentID, now, leaseExpiresAt, batchID)
		if err != nil {
			return NewStoreError("CommitAssignment.updateBatch", err)
		}

		agent.CurrentBatchIDs = append(agent.CurrentBatchIDs, batchID)
		agentRowUpdated, err := fromDomainAgent(agent)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE agents SET current_batch_ids=?, revision=revision+1 WHERE agent_id=?`),
			agentRowUpdated.CurrentBatchIDs, agentID)
		if err != nil {
			return NewStoreError("CommitAssignment.updateAgent", err)
		}

		var memberIDs []string
		if err := json.Unmarshal(brow.MemberJobIDs, &memberIDs); err != nil {
			return err
		}
		for _, jobID := range memberIDs {
			_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET state=?, state_changed_at=?, revision=revision+1
				WHERE job_id=? AND state=?`),
				string(domain.JobBatched), now, jobID, string(domain.JobPending))
			if err != nil {
				return NewStoreError("CommitAssignment.updateJob", err)
			}
		}
		return nil
	})
}

// --- agents ---

type agentRow struct {
	AgentID              string    `db:"agent_id"`
	Capabilities         []byte    `db:"capabilities"`
	CapabilityTarget     string    `db:"capability_target"`
	MaxConcurrentBatches int       `db:"max_concurrent_batches"`
	CurrentBatchIDs      []byte    `db:"current_batch_ids"`
	Status               string    `db:"status"`
	LastHeartbeatAt      time.Time `db:"last_heartbeat_at"`
	RegisteredAt         time.Time `db:"registered_at"`
	Revision             int64     `db:"revision"`
}

func (r *agentRow) toDomain() (*domain.Agent, error) {
	a := &domain.Agent{
		AgentID:              r.AgentID,
		CapabilityTarget:     domain.Target(r.CapabilityTarget),
		MaxConcurrentBatches: r.MaxConcurrentBatches,
		Status:               domain.AgentStatus(r.Status),
		LastHeartbeatAt:      r.LastHeartbeatAt,
		RegisteredAt:         r.RegisteredAt,
		Revision:             r.Revision,
	}
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &a.Capabilities); err != nil {
			return nil, err
		}
	}
	if len(r.CurrentBatchIDs) > 0 {
		if err := json.Unmarshal(r.CurrentBatchIDs, &a.CurrentBatchIDs); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func fromDomainAgent(a *domain.Agent) (*agentRow, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, err
	}
	cur, err := json.Marshal(a.CurrentBatchIDs)
	if err != nil {
		return nil, err
	}
	return &agentRow{
		AgentID:              a.AgentID,
		Capabilities:         caps,
		CapabilityTarget:     string(a.CapabilityTarget),
		MaxConcurrentBatches: a.MaxConcurrentBatches,
		CurrentBatchIDs:      cur,
		Status:               string(a.Status),
		LastHeartbeatAt:      a.LastHeartbeatAt,
		RegisteredAt:         a.RegisteredAt,
		Revision:             a.Revision,
	}, nil
}

func (p *Postgres) RegisterAgent(ctx context.Context, a *domain.Agent) error {
	a.Revision = 1
	row, err := fromDomainAgent(a)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO agents (agent_id, capabilities, capability_target, max_concurrent_batches,
			current_batch_ids, status, last_heartbeat_at, registered_at, revision)
		VALUES (:agent_id, :capabilities, :capability_target, :max_concurrent_batches,
			:current_batch_ids, :status, :last_heartbeat_at, :registered_at, :revision)`, row)
	if err != nil {
		return NewStoreError("RegisterAgent", err)
	}
	return nil
}

func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var row agentRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE agent_id = $1`, agentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetAgent", err)
	}
	return row.toDomain()
}

func (p *Postgres) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var rows []agentRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM agents`); err != nil {
		return nil, NewStoreError("ListAgents", err)
	}
	out := make([]*domain.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) MutateAgent(ctx context.Context, agentID string, fn func(*domain.Agent) error) error {
	return withTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var row agentRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID); err != nil {
			return NewStoreError("MutateAgent.select", err)
		}
		a, err := row.toDomain()
		if err != nil {
			return err
		}
		prevRevision := a.Revision
		if err := fn(a); err != nil {
			return err
		}
		a.Revision = prevRevision + 1
		newRow, err := fromDomainAgent(a)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE agents SET capabilities=?, capability_target=?,
			max_concurrent_batches=?, current_batch_ids=?, status=?, last_heartbeat_at=?, revision=?
			WHERE agent_id=? AND revision=?`),
			newRow.Capabilities, newRow.CapabilityTarget, newRow.MaxConcurrentBatches, newRow.CurrentBatchIDs,
			newRow.Status, newRow.LastHeartbeatAt, newRow.Revision, agentID, prevRevision)
		if err != nil {
			return NewStoreError("MutateAgent.update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrRevisionConflict
		}
		return nil
	})
}

// --- audit ---

func (p *Postgres) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, from_state, to_state, actor, cause, occurred_at)
		VALUES (:entity_type, :entity_id, :from_state, :to_state, :actor, :cause, :occurred_at)`, e)
	if err != nil {
		return NewStoreError("AppendAudit", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, entityID string) ([]*domain.AuditEntry, error) {
	var entries []*domain.AuditEntry
	err := p.db.SelectContext(ctx, &entries, `SELECT * FROM audit_log WHERE entity_id = $1 ORDER BY occurred_at ASC`, entityID)
	if err != nil {
		return nil, NewStoreError("ListAudit", err)
	}
	return entries, nil
}

// --- dedup ---

func (p *Postgres) CheckAndReserveRequestID(ctx context.Context, requestID, jobID string, window time.Duration) (string, bool, error) {
	var existing string
	err := p.db.GetContext(ctx, &existing, `
		SELECT job_id FROM dedup WHERE key = $1 AND kind = 'submit' AND created_at > $2`,
		requestID, time.Now().Add(-window))
	if err == nil {
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, NewStoreError("CheckAndReserveRequestID.select", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO dedup (key, kind, job_id, created_at) VALUES ($1, 'submit', $2, $3)
		ON CONFLICT (key, kind) DO NOTHING`, requestID, jobID, time.Now())
	if err != nil {
		return "", false, NewStoreError("CheckAndReserveRequestID.insert", err)
	}
	return "", false, nil
}

func (p *Postgres) CheckAndReserveReport(ctx context.Context, batchID, jobID string) (bool, error) {
	key := batchID + "/" + jobID
	res, err := p.db.ExecContext(ctx, `INSERT INTO dedup (key, kind, job_id, created_at) VALUES ($1, 'report', $2, $3)
		ON CONFLICT (key, kind) DO NOTHING`, key, jobID, time.Now())
	if err != nil {
		return false, NewStoreError("CheckAndReserveReport", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("BeginTx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewStoreError("Commit", err)
	}
	return nil
}
