package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// StopLossRuleStore implements domain.StopLossRuleStore. The full rule,
// including its tagged stop type, is kept in the stop JSONB column; the
// scalar columns exist for indexing and inspection.
type StopLossRuleStore struct {
	db DB
}

// NewStopLossRuleStore creates a StopLossRuleStore on db.
func NewStopLossRuleStore(db DB) *StopLossRuleStore {
	return &StopLossRuleStore{db: db}
}

// Save upserts rule by id.
func (s *StopLossRuleStore) Save(ctx context.Context, rule *domain.StopLossRule) error {
	doc, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("postgres: encode stop loss rule %s: %w", rule.ID, err)
	}
	st := rule.Status()
	const query = `
		INSERT INTO stop_loss_rules (
			id, position_id, market_id, token_id, entry_price, quantity,
			stop, activated, activated_at, executed, executed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			stop         = EXCLUDED.stop,
			activated    = EXCLUDED.activated,
			activated_at = EXCLUDED.activated_at,
			executed     = EXCLUDED.executed,
			executed_at  = EXCLUDED.executed_at,
			updated_at   = NOW()`
	_, err = s.db.Exec(ctx, query,
		rule.ID, rule.PositionID, rule.MarketID, rule.TokenID, rule.EntryPrice, rule.Quantity,
		doc, st.Activated, st.ActivatedAt, st.Executed, st.ExecutedAt, rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save stop loss rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *StopLossRuleStore) query(ctx context.Context, op, where string, args ...any) ([]*domain.StopLossRule, error) {
	rows, err := s.db.Query(ctx, `SELECT id, stop FROM stop_loss_rules WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*domain.StopLossRule
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
		}
		r := new(domain.StopLossRule)
		if err := json.Unmarshal(doc, r); err != nil {
			return nil, fmt.Errorf("postgres: decode stop loss rule %s: %w", id, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// ListActive returns activated, unexecuted rules.
func (s *StopLossRuleStore) ListActive(ctx context.Context) ([]*domain.StopLossRule, error) {
	return s.query(ctx, "list active stop loss rules", `activated AND NOT executed`)
}

// ListByPosition returns every rule recorded for positionID.
func (s *StopLossRuleStore) ListByPosition(ctx context.Context, positionID string) ([]*domain.StopLossRule, error) {
	return s.query(ctx, "list stop loss rules by position", `position_id = $1`, positionID)
}
