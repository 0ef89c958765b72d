package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// taskColumns is the canonical select list; scanTask scans it in order.
const taskColumns = `id, title, description, type, status, epic_id, parent_id,
	created_at, started_at, completed_at, estimated_complexity,
	actual_duration_ms, current_phase, attempt, blocker_json, metadata_json`

// CreateTask inserts a new task. New tasks always start pending in the
// strategize phase regardless of what the caller filled in. A duplicate id
// returns task.ErrDuplicateID; referencing a missing epic or parent returns
// task.ErrUnknownTask.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task, meta Meta) (*task.Task, error) {
	if t == nil {
		return nil, errors.New("task is nil")
	}
	if t.ID == "" {
		return nil, errors.New("task id is required")
	}
	if t.Title == "" {
		return nil, errors.New("task title is required")
	}
	if !task.ValidType(t.Type) {
		return nil, fmt.Errorf("invalid task type %q", t.Type)
	}
	if t.EstimatedComplexity < 1 || t.EstimatedComplexity > 10 {
		return nil, fmt.Errorf("estimated complexity %d out of range 1-10", t.EstimatedComplexity)
	}
	if t.Status != "" && t.Status != task.StatusPending {
		return nil, fmt.Errorf("new tasks must start pending, got %q", t.Status)
	}

	stored := t.Clone()
	stored.Status = task.StatusPending
	stored.CurrentPhase = task.PhaseStrategize
	if stored.Attempt == 0 {
		stored.Attempt = 1
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.StartedAt = time.Time{}
	stored.CompletedAt = time.Time{}
	stored.ActualDuration = 0
	stored.Blocker = nil

	var replay *task.Task
	err := retryOnBusy(ctx, func() error {
		replay = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "create_task")
		if err != nil {
			return err
		}
		if !claimed {
			replay, err = decodeTaskResult(result)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, stored.ID).Scan(&exists)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", task.ErrDuplicateID, stored.ID)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check for existing task: %w", err)
		}

		if stored.EpicID != "" {
			if err := taskExistsTx(ctx, tx, stored.EpicID); err != nil {
				return fmt.Errorf("epic: %w", err)
			}
		}
		if stored.ParentID != "" {
			if err := taskExistsTx(ctx, tx, stored.ParentID); err != nil {
				return fmt.Errorf("parent: %w", err)
			}
		}

		metadataJSON, err := encodeMetadata(stored.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, type, status, epic_id, parent_id,
				created_at, estimated_complexity, actual_duration_ms, current_phase, attempt, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, stored.ID, stored.Title, stored.Description, string(stored.Type), string(stored.Status),
			nullable(stored.EpicID), nullable(stored.ParentID), stored.CreatedAt.UnixNano(),
			stored.EstimatedComplexity, string(stored.CurrentPhase), stored.Attempt, metadataJSON)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		ev := task.Event{
			Type:          task.EventTaskCreated,
			TaskID:        stored.ID,
			AgentID:       meta.AgentID,
			CorrelationID: meta.CorrelationID,
			Payload: map[string]any{
				"type":       string(stored.Type),
				"complexity": stored.EstimatedComplexity,
			},
		}
		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, encodeTaskResult(stored)); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}
	return stored, nil
}

// GetTask loads a single task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns tasks in one status ordered by creation time.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Transition moves a task to a new status after checking the transition
// table, applies the patch, and appends a status_changed event, all in one
// transaction. Illegal moves return task.ErrInvalidTransition and leave the
// task untouched.
func (s *SQLiteStore) Transition(ctx context.Context, taskID string, to task.Status, patch TransitionPatch, meta Meta) (*task.Task, error) {
	if !task.ValidStatus(to) {
		return nil, fmt.Errorf("invalid status %q", to)
	}
	if patch.Phase != nil && !task.ValidPhase(*patch.Phase) {
		return nil, fmt.Errorf("invalid phase %q", *patch.Phase)
	}
	if to == task.StatusBlocked && patch.Blocker == nil {
		return nil, errors.New("blocked transition requires a blocker reason")
	}

	var out *task.Task
	err := retryOnBusy(ctx, func() error {
		out = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "transition_task")
		if err != nil {
			return err
		}
		if !claimed {
			out, err = decodeTaskResult(result)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		cur, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		if !task.CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, cur.Status, to)
		}

		next := applyPatch(cur, to, patch, s.now())

		blockerJSON, err := encodeBlocker(next.Blocker)
		if err != nil {
			return err
		}
		metadataJSON, err := encodeMetadata(next.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ?, completed_at = ?,
				actual_duration_ms = ?, current_phase = ?, attempt = ?,
				blocker_json = ?, metadata_json = ?
			WHERE id = ?
		`, string(next.Status), nullableNano(next.StartedAt), nullableNano(next.CompletedAt),
			next.ActualDuration.Milliseconds(), string(next.CurrentPhase), next.Attempt,
			blockerJSON, metadataJSON, next.ID)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		payload := map[string]any{
			"from": string(cur.Status),
			"to":   string(to),
		}
		if next.Blocker != nil {
			payload["blocker_code"] = next.Blocker.Code
		}
		ev := task.Event{
			Type:          task.EventStatusChanged,
			TaskID:        taskID,
			AgentID:       meta.AgentID,
			CorrelationID: meta.CorrelationID,
			Payload:       payload,
		}
		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, encodeTaskResult(next)); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnnotateTask merges metadata into a task without touching its status or
// phase, appending the caller-built audit event in the same transaction.
// The resilience layer uses it to flag context-overflow retries.
func (s *SQLiteStore) AnnotateTask(ctx context.Context, taskID string, metadata map[string]string, ev task.Event, meta Meta) (*task.Task, error) {
	if len(metadata) == 0 {
		return nil, errors.New("annotation requires metadata")
	}

	var out *task.Task
	err := retryOnBusy(ctx, func() error {
		out = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "annotate_task")
		if err != nil {
			return err
		}
		if !claimed {
			out, err = decodeTaskResult(result)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
		cur, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to load task: %w", err)
		}

		next := cur.Clone()
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			next.Metadata[k] = v
		}

		metadataJSON, err := encodeMetadata(next.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET metadata_json = ? WHERE id = ?
		`, metadataJSON, taskID)
		if err != nil {
			return fmt.Errorf("failed to update metadata: %w", err)
		}

		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, encodeTaskResult(next)); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyPatch computes the post-transition task. Started and completed
// stamps are derived from the status change, not supplied by callers.
func applyPatch(cur *task.Task, to task.Status, patch TransitionPatch, now time.Time) *task.Task {
	next := cur.Clone()
	next.Status = to

	if to == task.StatusInProgress && next.StartedAt.IsZero() {
		next.StartedAt = now
	}
	if to == task.StatusDone {
		next.CompletedAt = now
		if !next.StartedAt.IsZero() {
			next.ActualDuration = now.Sub(next.StartedAt)
		}
	}

	if patch.Phase != nil {
		next.CurrentPhase = *patch.Phase
	}
	if patch.Attempt != nil {
		next.Attempt = *patch.Attempt
	}
	if patch.ActualDuration != nil {
		next.ActualDuration = *patch.ActualDuration
	}
	if to == task.StatusBlocked {
		next.Blocker = patch.Blocker
	} else {
		next.Blocker = nil
	}
	if len(patch.Metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			next.Metadata[k] = v
		}
	}
	return next
}

func taskExistsTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var epicID, parentID, blockerJSON, metadataJSON sql.NullString
	var createdAt, durationMs int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Status,
		&epicID, &parentID, &createdAt, &startedAt, &completedAt,
		&t.EstimatedComplexity, &durationMs, &t.CurrentPhase, &t.Attempt,
		&blockerJSON, &metadataJSON)
	if err != nil {
		return nil, err
	}

	t.EpicID = epicID.String
	t.ParentID = parentID.String
	t.CreatedAt = nanoTime(createdAt)
	if startedAt.Valid {
		t.StartedAt = nanoTime(startedAt.Int64)
	}
	if completedAt.Valid {
		t.CompletedAt = nanoTime(completedAt.Int64)
	}
	t.ActualDuration = time.Duration(durationMs) * time.Millisecond

	if blockerJSON.Valid && blockerJSON.String != "" {
		var b task.BlockerReason
		if err := json.Unmarshal([]byte(blockerJSON.String), &b); err != nil {
			return nil, fmt.Errorf("failed to decode blocker: %w", err)
		}
		t.Blocker = &b
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func encodeBlocker(b *task.BlockerReason) (any, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blocker: %w", err)
	}
	return string(data), nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func encodeTaskResult(t *task.Task) []byte {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	return data
}

func decodeTaskResult(data []byte) (*task.Task, error) {
	if len(data) == 0 {
		return nil, errors.New("replayed command has no stored result")
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode replayed result: %w", err)
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableNano(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nanoTime(n int64) time.Time {
	return time.Unix(0, n)
}
