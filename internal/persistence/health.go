package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// qualityWindow bounds the rolling quality average to the most recent
// metrics so old scores stop dragging the aggregate around.
const qualityWindow = 50

// GetRoadmapHealth serves the backlog aggregate from cache when no write
// has landed since it was computed. The generation counter is read before
// the computation starts; a write racing the computation bumps it, so the
// possibly stale result is cached under the old generation and the next
// read recomputes.
func (s *SQLiteStore) GetRoadmapHealth(ctx context.Context) (*task.RoadmapHealth, error) {
	gen := s.generation.Load()

	s.healthMu.Lock()
	if s.health != nil && s.healthGen == gen {
		cached := cloneHealth(s.health)
		s.healthMu.Unlock()
		return cached, nil
	}
	s.healthMu.Unlock()

	health, err := s.computeHealth(ctx)
	if err != nil {
		return nil, err
	}

	s.healthMu.Lock()
	if gen >= s.healthGen {
		s.health = health
		s.healthGen = gen
	}
	s.healthMu.Unlock()

	return cloneHealth(health), nil
}

func (s *SQLiteStore) computeHealth(ctx context.Context) (*task.RoadmapHealth, error) {
	health := &task.RoadmapHealth{
		StatusCounts: make(map[task.Status]int),
		ComputedAt:   s.now(),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status task.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		health.StatusCounts[status] = count
		health.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	if health.Total > 0 {
		health.CompletionRate = float64(health.StatusCounts[task.StatusDone]) / float64(health.Total)
	}

	var avg float64
	var samples int
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(score), 0), COUNT(*)
		FROM (SELECT score FROM quality_metrics ORDER BY ts DESC, id DESC LIMIT ?)
	`, qualityWindow).Scan(&avg, &samples)
	if err != nil {
		return nil, fmt.Errorf("failed to compute quality average: %w", err)
	}
	health.QualityAverage = avg
	health.QualitySamples = samples

	return health, nil
}

func cloneHealth(h *task.RoadmapHealth) *task.RoadmapHealth {
	cp := *h
	cp.StatusCounts = make(map[task.Status]int, len(h.StatusCounts))
	for k, v := range h.StatusCounts {
		cp.StatusCounts[k] = v
	}
	return &cp
}
