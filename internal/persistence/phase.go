package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// UpdatePhase moves a task's protocol position and attempt counter and
// appends the caller-built audit event in the same transaction. The
// enforcer owns which moves are legal; the store only persists them.
func (s *SQLiteStore) UpdatePhase(ctx context.Context, taskID string, phase task.Phase, attempt int, ev task.Event, meta Meta) (*task.Task, error) {
	if !task.ValidPhase(phase) {
		return nil, fmt.Errorf("invalid phase %q", phase)
	}

	var out *task.Task
	err := retryOnBusy(ctx, func() error {
		out = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "advance_phase")
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

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET current_phase = ?, attempt = ? WHERE id = ?
		`, string(phase), attempt, taskID)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}

		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}

		next := cur.Clone()
		next.CurrentPhase = phase
		next.Attempt = attempt
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
