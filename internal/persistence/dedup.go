package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// claimCommandTx claims a correlation id inside the caller's transaction.
// The first caller wins and proceeds with its mutation; replays get
// claimed=false plus whatever result the first execution recorded. An empty
// correlation id is never deduplicated.
func (s *SQLiteStore) claimCommandTx(ctx context.Context, tx *sql.Tx, correlationID, command string) (claimed bool, result []byte, err error) {
	if correlationID == "" {
		return true, nil, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO command_dedup (correlation_id, command, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING
	`, correlationID, command, s.now().UnixNano())
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim correlation id: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil, nil
	}

	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT result_json FROM command_dedup WHERE correlation_id = ?
	`, correlationID).Scan(&stored)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read recorded command result: %w", err)
	}
	if stored.Valid {
		result = []byte(stored.String)
	}
	return false, result, nil
}

// recordCommandResultTx stores the command outcome so a replay can return
// the first result.
func (s *SQLiteStore) recordCommandResultTx(ctx context.Context, tx *sql.Tx, correlationID string, result []byte) error {
	if correlationID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE command_dedup SET result_json = ? WHERE correlation_id = ?
	`, string(result), correlationID)
	if err != nil {
		return fmt.Errorf("failed to record command result: %w", err)
	}
	return nil
}

// LookupCommand returns the recorded result for a correlation id, if any.
// Used by surface commands whose state lives outside the store, such as
// routing decisions and breaker feeds.
func (s *SQLiteStore) LookupCommand(ctx context.Context, correlationID string) ([]byte, bool, error) {
	if correlationID == "" {
		return nil, false, nil
	}

	var stored sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT result_json FROM command_dedup WHERE correlation_id = ?
	`, correlationID).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query command dedup: %w", err)
	}
	if !stored.Valid {
		return nil, true, nil
	}
	return []byte(stored.String), true, nil
}
