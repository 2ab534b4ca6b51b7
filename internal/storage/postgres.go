package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/workflow"
)

// Postgres implements Store over a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres opens a connection and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (used by tests).
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// LoadWorkflow implements Store.
func (p *Postgres) LoadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := p.db.GetContext(ctx, &wf,
		`SELECT id, user_id, name, description, definition, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return &wf, nil
}

// SaveWorkflow implements Store.
func (p *Postgres) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, description, definition, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description,
		   definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.UserID, wf.Name, wf.Description, []byte(wf.Definition), now)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

type credentialRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Name      string    `db:"name"`
	Type      string    `db:"type"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

func (r credentialRow) toCredential() (*credential.Credential, error) {
	data := make(map[string]string)
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", r.ID, err)
		}
	}
	return &credential.Credential{
		ID: r.ID, UserID: r.UserID, Name: r.Name, Type: r.Type,
		Data: data, CreatedAt: r.CreatedAt,
	}, nil
}

// Get implements credential.Store.
func (p *Postgres) Get(ctx context.Context, userID, id string) (*credential.Credential, error) {
	var row credentialRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, user_id, name, type, data, created_at FROM credentials WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", id, err)
	}
	if row.UserID != userID {
		return nil, credential.ErrForbidden
	}
	return row.toCredential()
}

// ListForUser implements credential.Store.
func (p *Postgres) ListForUser(ctx context.Context, userID string) ([]*credential.Credential, error) {
	var rows []credentialRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, name, type, data, created_at FROM credentials WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for %s: %w", userID, err)
	}
	out := make([]*credential.Credential, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCredential()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// AppendExecutionRecord implements Store.
func (p *Postgres) AppendExecutionRecord(ctx context.Context, rec *ExecutionRecord) error {
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO execution_records
		   (execution_id, workflow_id, user_id, state, error_kind, error_node,
		    error_message, output, parent_execution_id, started_at, completed_at)
		 VALUES
		   (:execution_id, :workflow_id, :user_id, :state, :error_kind, :error_node,
		    :error_message, :output, :parent_execution_id, :started_at, :completed_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("append execution record %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// AppendNodeRecord implements Store.
func (p *Postgres) AppendNodeRecord(ctx context.Context, rec *NodeRecord) error {
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO node_records
		   (execution_id, node_id, node_type, handle, attempts, duration_ms,
		    output, error_kind, error_message, started_at)
		 VALUES
		   (:execution_id, :node_id, :node_type, :handle, :attempts, :duration_ms,
		    :output, :error_kind, :error_message, :started_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("append node record %s/%s: %w", rec.ExecutionID, rec.NodeID, err)
	}
	return nil
}
