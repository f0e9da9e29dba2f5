package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/petrijr/orchestro/pkg/api"
)

// sqlDialect holds what differs between the SQL backends.
type sqlDialect struct {
	blobType  string
	intType   string
	numbered  bool // $1, $2 placeholders instead of ?
	upsertSet string
}

var (
	sqliteDialect = sqlDialect{
		blobType:  "BLOB",
		intType:   "INTEGER",
		upsertSet: "excluded",
	}
	postgresDialect = sqlDialect{
		blobType:  "BYTEA",
		intType:   "BIGINT",
		numbered:  true,
		upsertSet: "EXCLUDED",
	}
)

// bind rewrites ? placeholders for dialects that number them.
func (d sqlDialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
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

type sqlQueries struct {
	upsert   string
	byID     string
	all      string
	byStatus string
	remove   string
}

func (d sqlDialect) queries() sqlQueries {
	x := d.upsertSet
	return sqlQueries{
		upsert: d.bind(`
		INSERT INTO workflows (id, orchestrator_id, status, current_stage, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			orchestrator_id = ` + x + `.orchestrator_id,
			status = ` + x + `.status,
			current_stage = ` + x + `.current_stage,
			updated_at = ` + x + `.updated_at,
			payload = ` + x + `.payload`),
		byID: d.bind(`
		SELECT payload
		FROM workflows
		WHERE id = ?`),
		all: `
		SELECT payload
		FROM workflows
		ORDER BY created_at, id`,
		byStatus: d.bind(`
		SELECT payload
		FROM workflows
		WHERE status = ?
		ORDER BY created_at, id`),
		remove: d.bind(`DELETE FROM workflows WHERE id = ?`),
	}
}

func (d sqlDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			orchestrator_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT,
			created_at ` + d.intType + ` NOT NULL,
			updated_at ` + d.intType + ` NOT NULL,
			payload ` + d.blobType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows (status)`,
	}
}

// sqlStore implements WorkflowStore over database/sql. The full workflow is
// kept as an encoded payload; id, status and the timestamps are duplicated
// into columns for filtering and ordering.
type sqlStore struct {
	db *sql.DB
	q  sqlQueries
}

func newSQLStore(db *sql.DB, d sqlDialect) (sqlStore, error) {
	// One statement per Exec: not every driver accepts batches.
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			return sqlStore{}, err
		}
	}
	return sqlStore{db: db, q: d.queries()}, nil
}

func (s sqlStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	payload, err := EncodeWorkflow(wf)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.q.upsert,
		wf.WorkflowID,
		wf.OrchestratorID,
		string(wf.ExecutionStatus.Status),
		wf.ExecutionStatus.CurrentStage,
		wf.CreatedAt.UnixNano(),
		wf.UpdatedAt.UnixNano(),
		payload,
	)
	if err != nil {
		return nil, err
	}
	return wf.Clone(), nil
}

func (s sqlStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.q.byID, id).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrWorkflowNotFound
	case err != nil:
		return nil, err
	}
	return DecodeWorkflow(payload)
}

func (s sqlStore) FindAll(ctx context.Context) ([]*api.Workflow, error) {
	return s.list(ctx, s.q.all)
}

func (s sqlStore) FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	return s.list(ctx, s.q.byStatus, string(status))
}

func (s sqlStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q.remove, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s sqlStore) list(ctx context.Context, query string, args ...any) ([]*api.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.Workflow{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		wf, err := DecodeWorkflow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// SQLiteWorkflowStore is a WorkflowStore backed by SQLite. The caller opens
// the *sql.DB with a registered driver such as modernc.org/sqlite.
type SQLiteWorkflowStore struct {
	sqlStore
}

// PostgresWorkflowStore is a WorkflowStore backed by PostgreSQL through a
// database/sql driver such as github.com/jackc/pgx/v5/stdlib.
type PostgresWorkflowStore struct {
	sqlStore
}

var (
	_ WorkflowStore = (*SQLiteWorkflowStore)(nil)
	_ Pinger        = (*SQLiteWorkflowStore)(nil)
	_ WorkflowStore = (*PostgresWorkflowStore)(nil)
	_ Pinger        = (*PostgresWorkflowStore)(nil)
)

// NewSQLiteWorkflowStore creates the schema if needed. It is safe to call on
// an already initialized database.
func NewSQLiteWorkflowStore(db *sql.DB) (*SQLiteWorkflowStore, error) {
	s, err := newSQLStore(db, sqliteDialect)
	if err != nil {
		return nil, err
	}
	return &SQLiteWorkflowStore{s}, nil
}

// NewPostgresWorkflowStore creates the schema if needed.
func NewPostgresWorkflowStore(db *sql.DB) (*PostgresWorkflowStore, error) {
	s, err := newSQLStore(db, postgresDialect)
	if err != nil {
		return nil, err
	}
	return &PostgresWorkflowStore{s}, nil
}
