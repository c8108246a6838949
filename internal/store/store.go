// Package store mirrors trajectories into PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phonepilot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned by Load for an unknown task.
var ErrNotFound = errors.New("trajectory not found")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS trajectories (
    task_id         TEXT PRIMARY KEY,
    instruction     TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ,
    terminal_reason TEXT,
    error_kind      TEXT,
    error           TEXT,
    answer          TEXT,
    step_count      INTEGER NOT NULL,
    document        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS trajectory_steps (
    task_id          TEXT NOT NULL REFERENCES trajectories(task_id) ON DELETE CASCADE,
    idx              INTEGER NOT NULL,
    action_kind      TEXT NOT NULL,
    action           JSONB NOT NULL,
    rationale        TEXT,
    observation_ref  TEXT,
    success          BOOLEAN,
    retry_count      INTEGER NOT NULL,
    repredictions    INTEGER NOT NULL,
    predict_started_at TIMESTAMPTZ NOT NULL,
    dispatch_ended_at  TIMESTAMPTZ,
    PRIMARY KEY (task_id, idx)
);
CREATE TABLE IF NOT EXISTS trajectory_screenshots (
    task_id TEXT NOT NULL,
    idx     INTEGER NOT NULL,
    png     BYTEA NOT NULL,
    PRIMARY KEY (task_id, idx)
);
`

const sqlUpsertTrajectory = `
        INSERT INTO trajectories (task_id, instruction, status, created_at, finished_at, terminal_reason, error_kind, error, answer, step_count, document)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (task_id) DO UPDATE SET
            status = EXCLUDED.status,
            finished_at = EXCLUDED.finished_at,
            terminal_reason = EXCLUDED.terminal_reason,
            error_kind = EXCLUDED.error_kind,
            error = EXCLUDED.error,
            answer = EXCLUDED.answer,
            step_count = EXCLUDED.step_count,
            document = EXCLUDED.document;
    `

const sqlDeleteSteps = `DELETE FROM trajectory_steps WHERE task_id = $1;`

const sqlInsertScreenshot = `
        INSERT INTO trajectory_screenshots (task_id, idx, png)
        VALUES ($1, $2, $3)
        ON CONFLICT (task_id, idx) DO NOTHING;
    `

const sqlSelectDocument = `SELECT document FROM trajectories WHERE task_id = $1;`

var stepColumns = []string{
	"task_id", "idx", "action_kind", "action", "rationale", "observation_ref",
	"success", "retry_count", "repredictions", "predict_started_at", "dispatch_ended_at",
}

// Store is a PostgreSQL implementation of schemas.TrajectoryStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Location identifies the trajectory row.
func (s *Store) Location(taskID string) string {
	return "postgres:trajectories/" + taskID
}

// Save replaces the stored trajectory and its step rows in one transaction.
func (s *Store) Save(ctx context.Context, traj *schemas.Trajectory) error {
	doc, err := json.Marshal(traj)
	if err != nil {
		return fmt.Errorf("failed to encode trajectory: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var finishedAt any
	if traj.FinishedAt != nil {
		finishedAt = traj.FinishedAt.UTC()
	}
	if _, err := tx.Exec(ctx, sqlUpsertTrajectory,
		traj.TaskID, traj.Instruction, string(traj.Status), traj.CreatedAt.UTC(), finishedAt,
		traj.TerminalReason, string(traj.ErrorKind), traj.Error, traj.Answer, len(traj.Steps), doc,
	); err != nil {
		return fmt.Errorf("failed to upsert trajectory: %w", err)
	}

	if _, err := tx.Exec(ctx, sqlDeleteSteps, traj.TaskID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}
	if len(traj.Steps) > 0 {
		if err := s.persistSteps(ctx, tx, traj); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, traj *schemas.Trajectory) error {
	rows := make([][]any, len(traj.Steps))
	for i, st := range traj.Steps {
		action, err := schemas.MarshalAction(st.Action)
		if err != nil {
			return fmt.Errorf("failed to encode action of step %d: %w", st.Index, err)
		}
		kind := ""
		if st.Action != nil {
			kind = string(st.Action.Kind())
		}
		var success any
		switch {
		case st.DispatchResult != nil:
			success = st.DispatchResult.Success
		case st.ToolResult != nil:
			success = st.ToolResult.Success
		}
		var dispatchEnded any
		if st.Timestamps.DispatchEndedAt != nil {
			dispatchEnded = st.Timestamps.DispatchEndedAt.UTC()
		}
		rows[i] = []any{
			traj.TaskID, st.Index, kind, action, st.Rationale, st.ObservationRef,
			success, st.RetryCount, st.Repredictions, st.Timestamps.PredictStartedAt.UTC(), dispatchEnded,
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"trajectory_steps"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy steps: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied steps count: expected %d, got %d", len(rows), n)
	}
	return nil
}

// Load reads a trajectory document back.
func (s *Store) Load(ctx context.Context, taskID string) (*schemas.Trajectory, error) {
	var doc []byte
	if err := s.pool.QueryRow(ctx, sqlSelectDocument, taskID).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to query trajectory: %w", err)
	}
	var traj schemas.Trajectory
	if err := json.Unmarshal(doc, &traj); err != nil {
		return nil, fmt.Errorf("failed to decode trajectory: %w", err)
	}
	return &traj, nil
}

// SaveScreenshot stores the PNG bytes once per step.
func (s *Store) SaveScreenshot(ctx context.Context, taskID string, index int, png []byte) (string, error) {
	if _, err := s.pool.Exec(ctx, sqlInsertScreenshot, taskID, index, png); err != nil {
		return "", fmt.Errorf("failed to store screenshot: %w", err)
	}
	return fmt.Sprintf("postgres:trajectory_screenshots/%s/%d", taskID, index), nil
}
