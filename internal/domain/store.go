package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions and provides the guarded transition used
// to claim them.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetExitReady(ctx context.Context) ([]Position, error)
	GetHoldToResolution(ctx context.Context) ([]Position, error)
	GetFailedExits(ctx context.Context) ([]Position, error)
	// GetOpenOnCorrection returns open positions using ExitOnCorrection.
	GetOpenOnCorrection(ctx context.Context) ([]Position, error)
	// ListOpenBySource returns claimable positions mirrored from wallet in market.
	ListOpenBySource(ctx context.Context, wallet, marketID string) ([]Position, error)
	// Update writes mark-to-market fields only. It never changes state.
	Update(ctx context.Context, pos Position) error
	// Transition persists pos (including its new state) only if the stored
	// state is one of from. It returns ErrAlreadyClaimed when the guard
	// fails and ErrNotFound when the position does not exist.
	Transition(ctx context.Context, pos Position, from ...PositionState) error
}

// StopLossRuleStore persists stop-loss rules. Rules are never deleted.
type StopLossRuleStore interface {
	Save(ctx context.Context, rule *StopLossRule) error
	ListActive(ctx context.Context) ([]*StopLossRule, error)
	ListByPosition(ctx context.Context, positionID string) ([]*StopLossRule, error)
}

// AuditEntry is one recorded lifecycle event of a position.
type AuditEntry struct {
	ID         int64
	PositionID string
	Event      string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore persists an append-only log of position lifecycle events.
type AuditStore interface {
	Log(ctx context.Context, positionID, event string, detail map[string]any) error
	ListByPosition(ctx context.Context, positionID string, opts ListOpts) ([]AuditEntry, error)
}
