package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one cached authoritative row, stored as the backend returned it.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// PendingMutation is a write that could not reach the backend. It is removed
// only when reconciliation confirms the backend holds the equivalent state;
// the attempt counter is the only field ever updated in place.
type PendingMutation struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	RecordID  string          `json:"record_id"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Cache replaces the snapshot for a record kind wholesale in one transaction.
func (s *Store) Cache(ctx context.Context, kind string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_records WHERE kind = ?", kind); err != nil {
		return fmt.Errorf("failed to clear cached %s records: %w", kind, err)
	}

	now := time.Now().UTC()
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cached_records (kind, record_id, payload, fetched_at)
			VALUES (?, ?, ?, ?)
		`, kind, r.ID, string(r.Payload), now); err != nil {
			return fmt.Errorf("failed to cache record %s/%s: %w", kind, r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

// GetCached returns the last-known snapshot for a kind, or an empty slice
// when nothing has been cached yet.
func (s *Store) GetCached(ctx context.Context, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, payload FROM cached_records
		WHERE kind = ? ORDER BY record_id ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached %s records: %w", kind, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached record: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

// EnqueueMutation appends a pending mutation in enqueue order and fills in
// its id and sequence number.
func (s *Store) EnqueueMutation(ctx context.Context, m *PendingMutation) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, record_kind, record_id, payload, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Kind, m.RecordID, string(m.Payload), m.Attempts, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mutation seq: %w", err)
	}
	m.Seq = seq
	return nil
}

// ListPending returns all pending mutations in enqueue order.
func (s *Store) ListPending(ctx context.Context) ([]PendingMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, record_kind, record_id, payload, attempts, created_at
		FROM pending_mutations ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	pending := make([]PendingMutation, 0)
	for rows.Next() {
		var m PendingMutation
		var payload string
		if err := rows.Scan(&m.Seq, &m.ID, &m.Kind, &m.RecordID, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// DeletePending removes a confirmed mutation from the queue.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pending mutation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementAttempts bumps the attempt counter after a failed apply.
func (s *Store) IncrementAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_mutations SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment mutation attempts: %w", err)
	}
	return nil
}

// DeletePendingForRecord clears queued intents that a confirmed write for the
// same record has made redundant. It returns how many entries were removed.
func (s *Store) DeletePendingForRecord(ctx context.Context, kind, recordID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_mutations WHERE record_kind = ? AND record_id = ?", kind, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending mutations for record: %w", err)
	}
	return result.RowsAffected()
}

// PendingCount reports the queue depth.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_mutations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}
