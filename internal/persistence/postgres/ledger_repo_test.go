package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postforge/postforge/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func ledgerRows(entries ...persistence.LedgerEntry) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "event_type", "reason_code", "amount",
		"balance_after", "idempotency_key", "metadata", "created_at",
	})
	for _, e := range entries {
		rows.AddRow(e.ID, e.UserID, e.EventType, e.ReasonCode, e.Amount,
			e.BalanceAfter, e.IdempotencyKey, nil, e.CreatedAt)
	}
	return rows
}

func TestLedgerAppend_NewEntry(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("key-1").
		WillReturnError(sql.ErrNoRows)
	// The cached row is drifted; balance_after must chain from the latest
	// entry instead.
	mock.ExpectQuery("INSERT INTO user_balances").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(999)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs("user-1", "EARN", "publish_reward", int64(50), int64(150), "key-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectExec("UPDATE user_balances").
		WithArgs("user-1", int64(150)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, created, err := repo.Append(context.Background(), &persistence.LedgerEntry{
		UserID:         "user-1",
		EventType:      "EARN",
		ReasonCode:     "publish_reward",
		Amount:         50,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(7), entry.ID)
	assert.Equal(t, int64(150), entry.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAppend_RetriedKeyReturnsOriginal(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	original := persistence.LedgerEntry{
		ID: 3, UserID: "user-1", EventType: "EARN", ReasonCode: "publish_reward",
		Amount: 50, BalanceAfter: 150, IdempotencyKey: "key-1", CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("key-1").
		WillReturnRows(ledgerRows(original))
	mock.ExpectCommit()

	entry, created, err := repo.Append(context.Background(), &persistence.LedgerEntry{
		UserID:         "user-1",
		EventType:      "EARN",
		ReasonCode:     "publish_reward",
		Amount:         50,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(3), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerAppend_ConcurrentDuplicateResolvesToWinner(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	winner := persistence.LedgerEntry{
		ID: 9, UserID: "user-1", EventType: "EARN", ReasonCode: "publish_reward",
		Amount: 50, BalanceAfter: 150, IdempotencyKey: "key-1", CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("key-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO user_balances").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(100)))
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("key-1").
		WillReturnRows(ledgerRows(winner))

	entry, created, err := repo.Append(context.Background(), &persistence.LedgerEntry{
		UserID:         "user-1",
		EventType:      "EARN",
		ReasonCode:     "publish_reward",
		Amount:         50,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(9), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerSumByUser(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(250)))

	sum, err := repo.SumByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), sum)
}

func TestLedgerListByUser_LimitOptional(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	a := persistence.LedgerEntry{ID: 2, UserID: "user-1", EventType: "EARN", Amount: 50, BalanceAfter: 150, IdempotencyKey: "k2", CreatedAt: time.Now()}
	b := persistence.LedgerEntry{ID: 1, UserID: "user-1", EventType: "EARN", Amount: 100, BalanceAfter: 100, IdempotencyKey: "k1", CreatedAt: time.Now()}

	// No limit: only the user id is bound.
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("user-1").
		WillReturnRows(ledgerRows(a, b))
	all, err := repo.ListByUser(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs("user-1", 1).
		WillReturnRows(ledgerRows(a))
	limited, err := repo.ListByUser(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerUsers(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewLedgerRepo(sdb, time.Second)

	mock.ExpectQuery("SELECT DISTINCT user_id").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1").AddRow("user-2"))

	users, err := repo.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, users)
}

func TestBalanceGet_MissingUserIsZero(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewBalanceRepo(sdb, time.Second)

	mock.ExpectQuery("SELECT balance FROM user_balances").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	balance, err := repo.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestBalanceSet_Upserts(t *testing.T) {
	sdb, mock := newMockDB(t)
	repo := NewBalanceRepo(sdb, time.Second)

	mock.ExpectExec("INSERT INTO user_balances").
		WithArgs("user-1", int64(75)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Set(context.Background(), "user-1", 75))
	assert.NoError(t, mock.ExpectationsWereMet())
}
