package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// AuditStore implements domain.AuditStore on the position_audit table.
type AuditStore struct {
	db DB
}

// NewAuditStore creates an AuditStore on db.
func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends one event for positionID. detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, positionID, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO position_audit (position_id, event, detail) VALUES ($1, $2, $3)`,
		positionID, event, raw,
	); err != nil {
		return fmt.Errorf("postgres: log audit %s for %s: %w", event, positionID, err)
	}
	return nil
}

// ListByPosition returns the newest events for positionID first.
func (s *AuditStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, position_id, event, detail, created_at FROM position_audit WHERE position_id = $1`
	args := []any{positionID}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit for %s: %w", positionID, err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e   domain.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Event, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit rows: %w", err)
	}
	return entries, nil
}
