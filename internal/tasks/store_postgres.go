package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			state TEXT NOT NULL,
			total_turns INTEGER NOT NULL DEFAULT 0,
			verification_attempts INTEGER NOT NULL DEFAULT 0,
			info_attempts INTEGER NOT NULL DEFAULT 0,
			requirements JSONB NOT NULL DEFAULT '{}',
			push_config JSONB NULL,
			artifacts JSONB NOT NULL DEFAULT '[]',
			bound_provider_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_context_created ON tasks (context_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			parts JSONB NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_messages_task_seq ON task_messages (task_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveTask writes the task row and its full history in one transaction
// so a reader never observes a state commit without its message.
func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reqJSON, err := json.Marshal(task.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	artifactsJSON, err := json.Marshal(task.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	var pushJSON []byte
	if task.PushConfig != nil {
		pushJSON, err = json.Marshal(task.PushConfig)
		if err != nil {
			return fmt.Errorf("marshal push config: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (
			id, context_id, state, total_turns, verification_attempts, info_attempts,
			requirements, push_config, artifacts, bound_provider_id, reason, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
		)
		ON CONFLICT (id) DO UPDATE SET
			context_id=EXCLUDED.context_id,
			state=EXCLUDED.state,
			total_turns=EXCLUDED.total_turns,
			verification_attempts=EXCLUDED.verification_attempts,
			info_attempts=EXCLUDED.info_attempts,
			requirements=EXCLUDED.requirements,
			push_config=EXCLUDED.push_config,
			artifacts=EXCLUDED.artifacts,
			bound_provider_id=EXCLUDED.bound_provider_id,
			reason=EXCLUDED.reason,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.ContextID,
		string(task.State),
		task.Counters.TotalTurns,
		task.Counters.VerificationAttempts,
		task.Counters.InfoAttempts,
		reqJSON,
		pushJSON,
		artifactsJSON,
		task.BoundProviderID,
		task.Reason,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_messages WHERE task_id=$1`, task.ID); err != nil {
		return fmt.Errorf("delete prior messages: %w", err)
	}

	for i, msg := range task.History {
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("marshal message parts: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO task_messages (id, task_id, seq, role, parts, at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			msg.ID, task.ID, i+1, string(msg.Role), partsJSON, msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert task message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, context_id, state, total_turns, verification_attempts, info_attempts,
		        requirements, push_config, artifacts, bound_provider_id, reason, created_at, updated_at
		   FROM tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	task.History, err = s.loadMessages(ctx, task.ID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByContext(ctx context.Context, contextID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, context_id, state, total_turns, verification_attempts, info_attempts,
		        requirements, push_config, artifacts, bound_provider_id, reason, created_at, updated_at
		   FROM tasks WHERE context_id=$1 ORDER BY created_at DESC LIMIT $2`,
		contextID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		history, err := s.loadMessages(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.History = history
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) loadMessages(ctx context.Context, taskID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, parts, at FROM task_messages WHERE task_id=$1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, 8)
	for rows.Next() {
		var (
			msg       Message
			role      string
			partsJSON []byte
		)
		if err := rows.Scan(&msg.ID, &role, &partsJSON, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		msg.Role = Role(role)
		if err := json.Unmarshal(partsJSON, &msg.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal message parts: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task message rows: %w", err)
	}
	return msgs, nil
}

func scanTaskRow(row pgx.Row) (Task, error) {
	var (
		task          Task
		state         string
		reqJSON       []byte
		pushJSON      []byte
		artifactsJSON []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.ContextID,
		&state,
		&task.Counters.TotalTurns,
		&task.Counters.VerificationAttempts,
		&task.Counters.InfoAttempts,
		&reqJSON,
		&pushJSON,
		&artifactsJSON,
		&task.BoundProviderID,
		&task.Reason,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.State = State(state)
	if len(reqJSON) > 0 {
		if err := json.Unmarshal(reqJSON, &task.Requirements); err != nil {
			return Task{}, fmt.Errorf("unmarshal requirements: %w", err)
		}
	}
	if len(pushJSON) > 0 {
		var pc PushConfig
		if err := json.Unmarshal(pushJSON, &pc); err != nil {
			return Task{}, fmt.Errorf("unmarshal push config: %w", err)
		}
		task.PushConfig = &pc
	}
	if len(artifactsJSON) > 0 {
		if err := json.Unmarshal(artifactsJSON, &task.Artifacts); err != nil {
			return Task{}, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
