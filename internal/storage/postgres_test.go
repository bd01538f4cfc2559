package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportbot/internal/report"
	"reportbot/internal/subscription"
	logx "reportbot/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := newSQLStore(db, "postgres", logx.Nop())
	st.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	st.newID = func() string { return "fresh-id" }
	return st, mock
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	st, _ := newMockPostgres(t)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", st.q("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := newSQLStore(nil, "sqlite", logx.Nop())
	assert.Equal(t, "x = ?", lite.q("x = ?"))
}

func TestPostgresUpsertReturnsExistingID(t *testing.T) {
	st, mock := newMockPostgres(t)
	sub := sampleSub(7, report.KindRevenue)

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs("fresh-id", int64(7), sub.IdentityKey(), "weekly", int64(2), nil, "09:00",
			3, "revenue", "all", "yesterday", "text", true, int64(1_700_000_000_000), int64(1_700_000_000_000)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := st.Upsert(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListActiveScansRows(t *testing.T) {
	st, mock := newMockPostgres(t)
	cols := []string{"id", "owner_id", "identity_key", "periodicity", "weekday", "day_of_month", "time_of_day",
		"timezone_offset", "report_type", "department", "period_window", "output_format", "active", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM subscriptions WHERE active = \$1`).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a", int64(7), "revenue|all|yesterday", "monthly", nil, int64(31), "23:00", int64(-3), "revenue", "all", "yesterday", "pdf", true, int64(1), int64(2)).
			AddRow("b", int64(8), "sales|bar|week", "fortnightly", nil, nil, "08:00", int64(0), "sales", "bar", "week", "text", true, int64(1), int64(2)))

	subs, err := st.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1, "unreadable rows are skipped")
	assert.Equal(t, "a", subs[0].ID)
	assert.Equal(t, subscription.Monthly, subs[0].Periodicity)
	require.NotNil(t, subs[0].DayOfMonth)
	assert.Equal(t, 31, *subs[0].DayOfMonth)
	assert.Equal(t, -3, subs[0].TZOffset)
	assert.Equal(t, report.FormatPDF, subs[0].Report.Format)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailuresAreStorageUnavailable(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec(`UPDATE subscriptions SET active`).
		WillReturnError(errors.New("connection reset"))

	_, err := st.SetActive(context.Background(), "a", false)
	assert.ErrorIs(t, err, subscription.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteRemovesAttempts(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM subscriptions WHERE id = \$1`).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM delivery_attempts WHERE subscription_id = \$1`).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := st.Delete(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
