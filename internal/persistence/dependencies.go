package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/aristath/conductor/internal/task"
)

// AddDependency records a directed edge. Both endpoints must already exist.
// For "blocks" edges the whole blocking subgraph is re-checked with a
// topological sort before the insert so a cycle can never be committed.
// Re-adding an existing edge is a no-op.
func (s *SQLiteStore) AddDependency(ctx context.Context, dep task.Dependency, meta Meta) error {
	if !task.ValidDependencyType(dep.Type) {
		return fmt.Errorf("invalid dependency type %q", dep.Type)
	}
	if dep.TaskID == "" || dep.DependsOn == "" {
		return errors.New("dependency endpoints are required")
	}
	if dep.TaskID == dep.DependsOn {
		return fmt.Errorf("%w: %s depends on itself", task.ErrCycleDetected, dep.TaskID)
	}

	return retryOnBusy(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, _, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "add_dependency")
		if err != nil {
			return err
		}
		if !claimed {
			return tx.Commit()
		}

		for _, id := range []string{dep.TaskID, dep.DependsOn} {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", task.ErrOrphanDependency, id)
			}
			if err != nil {
				return fmt.Errorf("failed to check dependency endpoint: %w", err)
			}
		}

		if dep.Type == task.DepBlocks {
			if err := checkAcyclicTx(ctx, tx, dep); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, dep_type, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id, depends_on_id, dep_type) DO NOTHING
		`, dep.TaskID, dep.DependsOn, string(dep.Type), s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check insert result: %w", err)
		}
		if inserted == 1 {
			ev := task.Event{
				Type:          task.EventDependencyAdded,
				TaskID:        dep.TaskID,
				AgentID:       meta.AgentID,
				CorrelationID: meta.CorrelationID,
				Payload: map[string]any{
					"depends_on": dep.DependsOn,
					"dep_type":   string(dep.Type),
				},
			}
			if err := s.appendEventTx(ctx, tx, ev); err != nil {
				return err
			}
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

// checkAcyclicTx loads every blocking edge plus the candidate and runs a
// topological sort over them. A sort failure means the candidate would
// close a cycle.
func checkAcyclicTx(ctx context.Context, tx *sql.Tx, candidate task.Dependency) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies WHERE dep_type = ?
	`, string(task.DepBlocks))
	if err != nil {
		return fmt.Errorf("failed to load blocking edges: %w", err)
	}
	defer rows.Close()

	// Edge (from, to) means from must come before to.
	var edges []toposort.Edge
	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return fmt.Errorf("failed to scan blocking edge: %w", err)
		}
		edges = append(edges, toposort.Edge{dependsOn, taskID})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating blocking edges: %w", err)
	}
	edges = append(edges, toposort.Edge{candidate.DependsOn, candidate.TaskID})

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %s -> %s", task.ErrCycleDetected, candidate.TaskID, candidate.DependsOn)
	}
	return nil
}

// DependenciesFor returns the outgoing edges of a task.
func (s *SQLiteStore) DependenciesFor(ctx context.Context, taskID string) ([]task.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id, dep_type, created_at
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY created_at, depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []task.Dependency
	for rows.Next() {
		var d task.Dependency
		var createdAt int64
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		d.CreatedAt = nanoTime(createdAt)
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// GetReadyTasks returns pending tasks with no unfinished blocking
// dependency, oldest first. Only "blocks" edges gate readiness; related
// and suggested edges never hold a task back.
func (s *SQLiteStore) GetReadyTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = ?
		  AND NOT EXISTS (
			SELECT 1
			FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id
			  AND d.dep_type = ?
			  AND dep.status != ?
		  )
		ORDER BY t.created_at, t.id
	`, string(task.StatusPending), string(task.DepBlocks), string(task.StatusDone))
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}
