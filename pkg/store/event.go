package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/lease"
)

// AppendEvent records an audit event. Callers invoke it inside the same
// Update transaction as the mutation the event explains.
func (t *Tx) AppendEvent(ctx context.Context, eventType string, payload map[string]any, leaseID string) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload, %w", eventType, err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO events (timestamp, lease_id, event_type, payload_json) VALUES (?, ?, ?, ?)`,
		t.clock.Now().UTC(), nullString(leaseID), eventType, string(raw))
	if err != nil {
		return fmt.Errorf("appending %s event, %w", eventType, err)
	}
	return nil
}

// ListEvents returns events, oldest first, optionally filtered to one lease.
// limit <= 0 returns everything.
func (s *Store) ListEvents(ctx context.Context, leaseID string, limit int) ([]*lease.Event, error) {
	query := `SELECT id, timestamp, lease_id, event_type, payload_json FROM events`
	var args []any
	if leaseID != "" {
		query += ` WHERE lease_id = ?`
		args = append(args, leaseID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events, %w", err)
	}
	defer rows.Close()
	var out []*lease.Event
	for rows.Next() {
		var (
			e       lease.Event
			leaseID sql.NullString
			raw     string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &leaseID, &e.Type, &raw); err != nil {
			return nil, fmt.Errorf("scanning event, %w", err)
		}
		e.LeaseID = leaseID.String
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding event %d payload, %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
