package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/task"
)

// AcquireLease attempts to claim exclusive access to a (task, phase) pair.
// The claim is a single conditional upsert: it wins only if no row exists or
// the existing row has already expired. A losing attempt is not an error;
// the returned grant carries the current holder and its remaining time so
// the caller can decide whether to wait or move on. Expired rows are
// overwritten in place, never swept.
func (s *SQLiteStore) AcquireLease(ctx context.Context, taskID string, phase task.Phase, agentID string, ttl time.Duration, meta Meta) (*task.LeaseGrant, error) {
	if !task.ValidPhase(phase) {
		return nil, fmt.Errorf("invalid phase %q", phase)
	}
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}

	var grant *task.LeaseGrant
	err := retryOnBusy(ctx, func() error {
		grant = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "acquire_lease")
		if err != nil {
			return err
		}
		if !claimed {
			grant, err = decodeGrantResult(result)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}

		now := s.now()
		lease := task.PhaseLease{
			TaskID:     taskID,
			Phase:      phase,
			LeaseID:    uuid.NewString(),
			AgentID:    agentID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO phase_leases (task_id, phase, lease_id, agent_id, acquired_at, expires_at, renewed_count)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(task_id, phase) DO UPDATE SET
				lease_id = excluded.lease_id,
				agent_id = excluded.agent_id,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at,
				renewed_count = 0
			WHERE phase_leases.expires_at <= excluded.acquired_at
		`, lease.TaskID, string(lease.Phase), lease.LeaseID, lease.AgentID,
			lease.AcquiredAt.UnixNano(), lease.ExpiresAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to claim lease: %w", err)
		}

		won, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check lease claim: %w", err)
		}

		if won == 1 {
			grant = &task.LeaseGrant{Acquired: true, Lease: &lease}
			ev := task.Event{
				Type:          task.EventLeaseAcquired,
				TaskID:        taskID,
				AgentID:       agentID,
				CorrelationID: meta.CorrelationID,
				Payload: map[string]any{
					"phase":    string(phase),
					"lease_id": lease.LeaseID,
					"ttl_ms":   ttl.Milliseconds(),
				},
			}
			if err := s.appendEventTx(ctx, tx, ev); err != nil {
				return err
			}
		} else {
			var holder string
			var expiresAt int64
			err := tx.QueryRowContext(ctx, `
				SELECT agent_id, expires_at FROM phase_leases WHERE task_id = ? AND phase = ?
			`, taskID, string(phase)).Scan(&holder, &expiresAt)
			if err != nil {
				return fmt.Errorf("failed to read conflicting lease: %w", err)
			}
			grant = &task.LeaseGrant{
				Acquired:  false,
				Holder:    holder,
				Remaining: nanoTime(expiresAt).Sub(now),
			}
			ev := task.Event{
				Type:          task.EventLeaseConflict,
				TaskID:        taskID,
				AgentID:       agentID,
				CorrelationID: meta.CorrelationID,
				Payload: map[string]any{
					"phase":  string(phase),
					"holder": holder,
				},
			}
			if err := s.appendEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}

		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, encodeGrantResult(grant)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// RenewLease extends a held lease by ttl from now. The renewal is a single
// guarded update; it succeeds only if the caller still holds the exact
// lease, the lease has not expired, and the renewal budget is not spent.
// On failure the row is re-read to tell task.ErrMaxRenewals apart from
// task.ErrLeaseNotHeld.
func (s *SQLiteStore) RenewLease(ctx context.Context, taskID string, phase task.Phase, agentID, leaseID string, ttl time.Duration, meta Meta) (*task.PhaseLease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}

	var renewed *task.PhaseLease
	err := retryOnBusy(ctx, func() error {
		renewed = nil
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, result, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "renew_lease")
		if err != nil {
			return err
		}
		if !claimed {
			renewed, err = decodeLeaseResult(result)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE phase_leases
			SET expires_at = ?, renewed_count = renewed_count + 1
			WHERE task_id = ? AND phase = ? AND agent_id = ? AND lease_id = ?
			  AND expires_at > ? AND renewed_count < ?
		`, now.Add(ttl).UnixNano(), taskID, string(phase), agentID, leaseID,
			now.UnixNano(), s.maxRenewals)
		if err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check renewal: %w", err)
		}
		if n == 0 {
			return s.diagnoseRenewalTx(ctx, tx, taskID, phase, agentID, leaseID, now)
		}

		lease, err := readLeaseTx(ctx, tx, taskID, phase)
		if err != nil {
			return err
		}
		renewed = lease

		ev := task.Event{
			Type:          task.EventLeaseRenewed,
			TaskID:        taskID,
			AgentID:       agentID,
			CorrelationID: meta.CorrelationID,
			Payload: map[string]any{
				"phase":         string(phase),
				"lease_id":      leaseID,
				"renewed_count": lease.RenewedCount,
			},
		}
		if err := s.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		if err := s.recordCommandResultTx(ctx, tx, meta.CorrelationID, encodeLeaseResult(lease)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// diagnoseRenewalTx explains a renewal that matched no row. Every cause
// except an exhausted budget collapses to task.ErrLeaseNotHeld: a missing
// row, an expired lease, and a holder mismatch are indistinguishable to the
// caller on purpose.
func (s *SQLiteStore) diagnoseRenewalTx(ctx context.Context, tx *sql.Tx, taskID string, phase task.Phase, agentID, leaseID string, now time.Time) error {
	var holder, id string
	var expiresAt int64
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT agent_id, lease_id, expires_at, renewed_count
		FROM phase_leases WHERE task_id = ? AND phase = ?
	`, taskID, string(phase)).Scan(&holder, &id, &expiresAt, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: no lease on %s/%s", task.ErrLeaseNotHeld, taskID, phase)
	}
	if err != nil {
		return fmt.Errorf("failed to diagnose renewal: %w", err)
	}

	switch {
	case nanoTime(expiresAt).Before(now) || nanoTime(expiresAt).Equal(now):
		return fmt.Errorf("%w: lease on %s/%s expired", task.ErrLeaseNotHeld, taskID, phase)
	case holder != agentID || id != leaseID:
		return fmt.Errorf("%w: lease on %s/%s held by %s", task.ErrLeaseNotHeld, taskID, phase, holder)
	case count >= s.maxRenewals:
		return fmt.Errorf("%w: %d renewals used on %s/%s", task.ErrMaxRenewals, count, taskID, phase)
	default:
		return fmt.Errorf("lease renewal on %s/%s failed for an unknown reason", taskID, phase)
	}
}

// ReleaseLease drops a held lease. Only the exact holder may release; an
// expired lease cannot be released because it is already gone as far as
// readers are concerned.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, taskID string, phase task.Phase, agentID, leaseID string, meta Meta) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		claimed, _, err := s.claimCommandTx(ctx, tx, meta.CorrelationID, "release_lease")
		if err != nil {
			return err
		}
		if !claimed {
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM phase_leases
			WHERE task_id = ? AND phase = ? AND agent_id = ? AND lease_id = ? AND expires_at > ?
		`, taskID, string(phase), agentID, leaseID, s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check release: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: cannot release %s/%s", task.ErrLeaseNotHeld, taskID, phase)
		}

		ev := task.Event{
			Type:          task.EventLeaseReleased,
			TaskID:        taskID,
			AgentID:       agentID,
			CorrelationID: meta.CorrelationID,
			Payload: map[string]any{
				"phase":    string(phase),
				"lease_id": leaseID,
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
		return nil
	})
}

// GetLease returns the live lease on a (task, phase) pair, or nil when none
// is held. Expired rows read as absent.
func (s *SQLiteStore) GetLease(ctx context.Context, taskID string, phase task.Phase) (*task.PhaseLease, error) {
	var lease task.PhaseLease
	var acquiredAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, phase, lease_id, agent_id, acquired_at, expires_at, renewed_count
		FROM phase_leases
		WHERE task_id = ? AND phase = ? AND expires_at > ?
	`, taskID, string(phase), s.now().UnixNano()).Scan(
		&lease.TaskID, &lease.Phase, &lease.LeaseID, &lease.AgentID,
		&acquiredAt, &expiresAt, &lease.RenewedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.AcquiredAt = nanoTime(acquiredAt)
	lease.ExpiresAt = nanoTime(expiresAt)
	return &lease, nil
}

// CountLiveLeases counts unexpired leases across all tasks.
func (s *SQLiteStore) CountLiveLeases(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM phase_leases WHERE expires_at > ?
	`, s.now().UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}
	return count, nil
}

func readLeaseTx(ctx context.Context, tx *sql.Tx, taskID string, phase task.Phase) (*task.PhaseLease, error) {
	var lease task.PhaseLease
	var acquiredAt, expiresAt int64
	err := tx.QueryRowContext(ctx, `
		SELECT task_id, phase, lease_id, agent_id, acquired_at, expires_at, renewed_count
		FROM phase_leases WHERE task_id = ? AND phase = ?
	`, taskID, string(phase)).Scan(
		&lease.TaskID, &lease.Phase, &lease.LeaseID, &lease.AgentID,
		&acquiredAt, &expiresAt, &lease.RenewedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	lease.AcquiredAt = nanoTime(acquiredAt)
	lease.ExpiresAt = nanoTime(expiresAt)
	return &lease, nil
}

func encodeGrantResult(g *task.LeaseGrant) []byte {
	data, err := json.Marshal(g)
	if err != nil {
		return nil
	}
	return data
}

func decodeGrantResult(data []byte) (*task.LeaseGrant, error) {
	if len(data) == 0 {
		return nil, errors.New("replayed command has no stored result")
	}
	var g task.LeaseGrant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode replayed result: %w", err)
	}
	return &g, nil
}

func encodeLeaseResult(l *task.PhaseLease) []byte {
	data, err := json.Marshal(l)
	if err != nil {
		return nil
	}
	return data
}

func decodeLeaseResult(data []byte) (*task.PhaseLease, error) {
	if len(data) == 0 {
		return nil, errors.New("replayed command has no stored result")
	}
	var l task.PhaseLease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode replayed result: %w", err)
	}
	return &l, nil
}
