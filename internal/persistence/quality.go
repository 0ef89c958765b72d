package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// RecordQualityMetric appends one point to a task's quality time series.
// Scores land clamped to [0, 1] no matter what the evaluator produced.
func (s *SQLiteStore) RecordQualityMetric(ctx context.Context, m task.QualityMetric, meta Meta) error {
	if m.TaskID == "" {
		return errors.New("quality metric requires a task id")
	}
	if m.Dimension == "" {
		return errors.New("quality metric requires a dimension")
	}

	score := m.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	return retryOnBusy(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, _, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "record_quality")
		if err != nil {
			return err
		}
		if !claimed {
			return tx.Commit()
		}

		if err := taskExistsTx(ctx, tx, m.TaskID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO quality_metrics (ts, task_id, dimension, score, details)
			VALUES (?, ?, ?, ?, ?)
		`, ts.UnixNano(), m.TaskID, m.Dimension, score, m.Details)
		if err != nil {
			return fmt.Errorf("failed to insert quality metric: %w", err)
		}

		ev := task.Event{
			Type:          task.EventQualityRecorded,
			TaskID:        m.TaskID,
			AgentID:       meta.AgentID,
			CorrelationID: meta.CorrelationID,
			Payload: map[string]any{
				"dimension": m.Dimension,
				"score":     score,
			},
		}
		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, []byte(`{}`)); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.bumpGeneration()
		return nil
	})
}

// QualityMetricsFor returns the recorded metrics for a task, newest first.
func (s *SQLiteStore) QualityMetricsFor(ctx context.Context, taskID string) ([]task.QualityMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, task_id, dimension, score, details
		FROM quality_metrics
		WHERE task_id = ?
		ORDER BY ts DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality metrics: %w", err)
	}
	defer rows.Close()

	var metrics []task.QualityMetric
	for rows.Next() {
		var m task.QualityMetric
		var ts int64
		var details sql.NullString
		if err := rows.Scan(&ts, &m.TaskID, &m.Dimension, &m.Score, &details); err != nil {
			return nil, fmt.Errorf("failed to scan quality metric: %w", err)
		}
		m.Timestamp = nanoTime(ts)
		m.Details = details.String
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quality metrics: %w", err)
	}
	return metrics, nil
}
