package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sqlite-backed tests never see the locking clause, so the Postgres
// SQL is pinned here against a mock connection.
func TestForUpdateClausePerDialect(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", (&DB{Dialect: Postgres}).forUpdate())
	assert.Equal(t, "", (&DB{Dialect: SQLite}).forUpdate())
}

func TestGetProcessForUpdateLocksRowOnPostgres(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := &DB{DB: raw, Dialect: Postgres}
	processes := NewProcessStore(db)

	cols := []string{"id", "company_id", "issuer_digits", "issuer_dv", "name", "process_type",
		"status", "start_date", "due_date", "completed_at", "assigned_to", "created_by",
		"is_recurring", "recurrence_type", "recurrence_config", "is_template",
		"parent_process_id", "template_id", "config_data", "created_at", "updated_at"}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM processes WHERE id = \$1 FOR UPDATE`).
		WithArgs("proc-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"proc-1", "company-1", int64(77794858), "K", "Ciclo F29", "tax_monthly",
			"active", nil, nil, nil, "", "",
			true, "monthly", "{}", false,
			nil, nil, "{}", now, now))
	mock.ExpectCommit()

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		p, err := processes.GetProcessForUpdate(context.Background(), tx, "proc-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "Ciclo F29", p.Name)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutionForUpdateLocksRowOnPostgres(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := &DB{DB: raw, Dialect: Postgres}
	processes := NewProcessStore(db)

	cols := []string{"id", "process_id", "status", "started_at", "completed_at",
		"execution_context", "current_step", "total_steps", "completed_steps",
		"failed_steps", "last_error", "error_count"}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM process_executions WHERE id = \$1 FOR UPDATE`).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"exec-1", "proc-1", "running", now, nil, "{}", 1, 3, 0, 0, "", 0))
	mock.ExpectCommit()

	err = db.WithTx(context.Background(), func(tx *sql.Tx) error {
		e, err := processes.GetExecutionForUpdate(context.Background(), tx, "exec-1")
		if err != nil {
			return err
		}
		assert.Equal(t, 3, e.TotalSteps)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := &DB{DB: raw, Dialect: Postgres}

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = db.WithTx(context.Background(), func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
