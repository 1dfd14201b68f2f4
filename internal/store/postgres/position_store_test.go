package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

var positionCols = []string{
	"id", "market_id", "legs", "quantity", "state", "exit_strategy",
	"source_wallet", "strategy", "failure_reason", "failure_kind", "retry_count",
	"exit_reason", "realized_pnl", "unrealized_pnl", "claimed_from",
	"opened_at", "exit_timestamp", "updated_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func claimedPosition(t *testing.T) domain.Position {
	t.Helper()
	p, err := domain.NewPosition("p1", "mkt-1", []domain.Leg{
		{Outcome: "Yes", TokenID: "tok-yes", EntryPrice: decimal.RequireFromString("0.40")},
	}, decimal.NewFromInt(100), domain.ExitOnCorrection)
	require.NoError(t, err)
	require.NoError(t, p.MarkOpen())
	require.NoError(t, p.MarkClosing())
	return p
}

func TestPositionStore_GetByID(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exited := opened.Add(time.Hour)

	mock.ExpectQuery(`SELECT (.+) FROM positions WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows(positionCols).AddRow(
			"p1", "mkt-1",
			[]byte(`[{"outcome":"Yes","token_id":"tok-yes","entry_price":"0.40"},{"outcome":"No","token_id":"tok-no","entry_price":"0.55"}]`),
			"100", "closed", "exit_on_correction",
			"0xabc", "mirror", "", "", 1,
			"mirror_exit", "1.10", "0", "",
			opened, &exited, exited,
		))

	p, err := store.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, p.State)
	assert.Equal(t, domain.ExitOnCorrection, p.ExitStrategy)
	require.Len(t, p.Legs, 2)
	assert.Equal(t, "tok-no", p.Legs[1].TokenID)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(100)))
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("1.10")))
	assert.Equal(t, 1, p.RetryCount)
	require.NotNil(t, p.ExitTimestamp)
	assert.True(t, p.ExitTimestamp.Equal(exited))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_GetByIDNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	mock.ExpectQuery(`SELECT (.+) FROM positions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(positionCols))

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_TransitionWins(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	p := claimedPosition(t)

	mock.ExpectExec(`UPDATE positions SET`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Transition(context.Background(), p, domain.StateOpen))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_TransitionLosesClaim(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	p := claimedPosition(t)

	mock.ExpectExec(`UPDATE positions SET`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Transition(context.Background(), p, domain.StateOpen)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_TransitionMissing(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	p := claimedPosition(t)

	mock.ExpectExec(`UPDATE positions SET`).
		WithArgs(anyArgs(12)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Transition(context.Background(), p, domain.StateOpen)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_UpdateOnlyTouchesUnrealized(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)
	p := claimedPosition(t)
	p.UnrealizedPnL = decimal.RequireFromString("2.5")

	mock.ExpectExec(`UPDATE positions SET unrealized_pnl = \$2, updated_at = NOW\(\) WHERE id = \$1`).
		WithArgs("p1", p.UnrealizedPnL).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Update(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_ListOpenBySource(t *testing.T) {
	mock := newMock(t)
	store := NewPositionStore(mock)

	mock.ExpectQuery(`lower\(source_wallet\) = lower\(\$1\)`).
		WithArgs("0xABC", "mkt-1", "open", "exit_ready").
		WillReturnRows(pgxmock.NewRows(positionCols))

	got, err := store.ListOpenBySource(context.Background(), "0xABC", "mkt-1")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore_CreateRejectsInvalid(t *testing.T) {
	store := NewPositionStore(newMock(t))
	err := store.Create(context.Background(), domain.Position{ID: "p1"})
	assert.Error(t, err)
}
