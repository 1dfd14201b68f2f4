package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/guard?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "guard"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: " postgres://explicit ", Host: "ignored"}))
}

func TestRunMigrations(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("001_positions.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	for _, m := range []struct{ file, table string }{
		{"002_stop_loss_rules.sql", "stop_loss_rules"},
		{"003_position_audit.sql", "position_audit"},
	} {
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs(m.file).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectBegin()
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + m.table).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(`INSERT INTO schema_migrations`).WithArgs(m.file).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}

	require.NoError(t, RunMigrations(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
