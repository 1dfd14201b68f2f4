package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionStore implements domain.PositionStore. Transition is a single
// UPDATE guarded on the stored state, which is the claim primitive.
type PositionStore struct {
	db DB
}

// NewPositionStore creates a PositionStore on db.
func NewPositionStore(db DB) *PositionStore {
	return &PositionStore{db: db}
}

const uniqueViolation = "23505"

const positionSelectCols = `id, market_id, legs, quantity, state, exit_strategy,
	source_wallet, strategy, failure_reason, failure_kind, retry_count,
	exit_reason, realized_pnl, unrealized_pnl, claimed_from,
	opened_at, exit_timestamp, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                      domain.Position
		legs                                   []byte
		state, strategy, failureKind, claimedF string
	)
	err := row.Scan(
		&p.ID, &p.MarketID, &legs, &p.Quantity, &state, &strategy,
		&p.SourceWallet, &p.Strategy, &p.FailureReason, &failureKind, &p.RetryCount,
		&p.ExitReason, &p.RealizedPnL, &p.UnrealizedPnL, &claimedF,
		&p.OpenedAt, &p.ExitTimestamp, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if err := json.Unmarshal(legs, &p.Legs); err != nil {
		return domain.Position{}, fmt.Errorf("decode legs of %s: %w", p.ID, err)
	}
	p.State = domain.PositionState(state)
	p.ExitStrategy = domain.ExitStrategy(strategy)
	p.FailureKind = domain.FailureKind(failureKind)
	p.ClaimedFrom = domain.PositionState(claimedF)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PositionStore) list(ctx context.Context, op, where string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE `+where+` ORDER BY opened_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s: %w", op, err)
	}
	return positions, nil
}

// Create inserts pos.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("postgres: create position: %w", err)
	}
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("postgres: encode legs of %s: %w", p.ID, err)
	}
	const query = `
		INSERT INTO positions (
			id, market_id, legs, quantity, state, exit_strategy,
			source_wallet, strategy, failure_reason, failure_kind, retry_count,
			exit_reason, realized_pnl, unrealized_pnl, claimed_from,
			opened_at, exit_timestamp, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, NOW()
		)`
	_, err = s.db.Exec(ctx, query,
		p.ID, p.MarketID, legs, p.Quantity, string(p.State), string(p.ExitStrategy),
		p.SourceWallet, p.Strategy, p.FailureReason, string(p.FailureKind), p.RetryCount,
		p.ExitReason, p.RealizedPnL, p.UnrealizedPnL, string(p.ClaimedFrom),
		p.OpenedAt, p.ExitTimestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns the position with id or ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) GetExitReady(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "get exit ready", `state = $1`, string(domain.StateExitReady))
}

func (s *PositionStore) GetHoldToResolution(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "get hold to resolution",
		`exit_strategy = $1 AND state IN ($2, $3)`,
		string(domain.HoldToResolution), string(domain.StateOpen), string(domain.StateExitReady))
}

func (s *PositionStore) GetFailedExits(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "get failed exits", `state = $1`, string(domain.StateExitFailed))
}

func (s *PositionStore) GetOpenOnCorrection(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "get open on correction",
		`exit_strategy = $1 AND state = $2`,
		string(domain.ExitOnCorrection), string(domain.StateOpen))
}

// ListOpenBySource matches wallet case-insensitively.
func (s *PositionStore) ListOpenBySource(ctx context.Context, wallet, marketID string) ([]domain.Position, error) {
	return s.list(ctx, "list open by source",
		`lower(source_wallet) = lower($1) AND market_id = $2 AND state IN ($3, $4)`,
		wallet, marketID, string(domain.StateOpen), string(domain.StateExitReady))
}

// Update writes unrealized P&L only.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE positions SET unrealized_pnl = $2, updated_at = NOW() WHERE id = $1`,
		p.ID, p.UnrealizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// Transition writes every mutable field of p when the stored state is one of
// from. A miss is disambiguated into ErrNotFound or ErrAlreadyClaimed.
func (s *PositionStore) Transition(ctx context.Context, p domain.Position, from ...domain.PositionState) error {
	if len(from) == 0 {
		return fmt.Errorf("postgres: transition position %s: no prior state", p.ID)
	}
	prior := make([]string, len(from))
	for i, f := range from {
		prior[i] = string(f)
	}
	const query = `
		UPDATE positions SET
			state          = $2,
			failure_reason = $3,
			failure_kind   = $4,
			retry_count    = $5,
			exit_reason    = $6,
			realized_pnl   = $7,
			unrealized_pnl = $8,
			claimed_from   = $9,
			exit_timestamp = $10,
			updated_at     = $11
		WHERE id = $1 AND state = ANY($12)`

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, query,
		p.ID, string(p.State), p.FailureReason, string(p.FailureKind), p.RetryCount,
		p.ExitReason, p.RealizedPnL, p.UnrealizedPnL, string(p.ClaimedFrom),
		p.ExitTimestamp, updatedAt, prior,
	)
	if err != nil {
		return fmt.Errorf("postgres: transition position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: transition position %s: %w", p.ID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: transition position %s: %w", p.ID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: transition position %s to %s: %w", p.ID, p.State, domain.ErrAlreadyClaimed)
}
