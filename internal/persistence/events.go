package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// appendEventTx inserts an audit record inside the caller's transaction.
// Every mutation appends its events through here so the log and the state
// change commit or roll back together.
func (s *SQLiteStore) appendEventTx(ctx context.Context, tx *sql.Tx, ev task.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	var payload any
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (ts, event_type, task_id, agent_id, payload_json, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Timestamp.UnixNano(), string(ev.Type), nullable(ev.TaskID), nullable(ev.AgentID), payload, nullable(ev.CorrelationID))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// AppendEvent appends a single audit record outside any other mutation.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev task.Event) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		return nil
	})
}

// AppendEventDeduped appends an audit record unless its correlation id was
// already claimed, in which case nothing is written and the first
// execution's recorded result comes back. Callers use the replayed flag to
// skip side effects that must not run twice; result may be nil when the
// command has no outcome worth replaying.
func (s *SQLiteStore) AppendEventDeduped(ctx context.Context, ev task.Event, result []byte) (bool, []byte, error) {
	if ev.CorrelationID == "" {
		return false, nil, s.AppendEvent(ctx, ev)
	}

	var (
		replayed bool
		stored   []byte
	)
	err := retryOnBusy(ctx, func() error {
		replayed, stored = false, nil

		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, prior, err := s.claimCommandTx(ctx, tx, ev.CorrelationID, string(ev.Type))
		if err != nil {
			return err
		}
		if !claimed {
			replayed = true
			stored = prior
			return tx.Commit()
		}

		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if len(result) > 0 {
			if err := s.recordCommandResultTx(ctx, tx, ev.CorrelationID, result); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		return nil
	})
	return replayed, stored, err
}

// EventsForTask returns the newest events for a task, most recent first.
// limit <= 0 means no limit.
func (s *SQLiteStore) EventsForTask(ctx context.Context, taskID string, limit int) ([]task.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_type, task_id, agent_id, payload_json, correlation_id
		FROM task_events
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecentEvents returns the newest events across all tasks, most recent
// first. limit <= 0 means no limit.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]task.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_type, task_id, agent_id, payload_json, correlation_id
		FROM task_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountTaskEvents counts events of one type for a task. The router uses it
// to detect repeated verification failures.
func (s *SQLiteStore) CountTaskEvents(ctx context.Context, taskID string, eventType task.EventType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_events WHERE event_type = ? AND task_id = ?
	`, string(eventType), taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]task.Event, error) {
	var events []task.Event
	for rows.Next() {
		var ev task.Event
		var ts int64
		var taskID, agentID, payload, correlationID sql.NullString

		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &taskID, &agentID, &payload, &correlationID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Timestamp = nanoTime(ts)
		ev.TaskID = taskID.String
		ev.AgentID = agentID.String
		ev.CorrelationID = correlationID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}

		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
