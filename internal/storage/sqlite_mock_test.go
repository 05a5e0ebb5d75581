package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(sqlx.NewDb(db, "sqlite"), time.UTC), mock
}

func expectNewest(mock sqlmock.Sqlmock, newest any) {
	mock.ExpectQuery("SELECT MAX\\(timestamp\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(newest))
}

func TestSQLiteInitializeExecutesSchema(t *testing.T) {
	store, mock := newMockStore(t)

	for range sqliteSchema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("UPDATE crypto_prices").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteAppendRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectNewest(mock, nil)
	mock.ExpectExec("INSERT INTO crypto_prices").
		WithArgs("bitcoin", 100.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO crypto_prices").
		WithArgs("ethereum", 50.0, sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), []NewObservation{
		{CurrencyID: "bitcoin", Price: 100},
		{CurrencyID: "ethereum", Price: 50},
	})
	if err == nil {
		t.Fatal("failed insert should fail the whole append")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteAppendCommitsOnce(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectNewest(mock, "2024-01-01 00:00:00.000000")
	mock.ExpectExec("INSERT INTO crypto_prices").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO crypto_prices").WillReturnResult(sqlmock.NewResult(8, 1))
	mock.ExpectCommit()

	stored, err := store.Append(context.Background(), []NewObservation{
		{CurrencyID: "bitcoin", Price: 1},
		{CurrencyID: "ethereum", Price: 2},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != 7 || stored[1].ID != 8 {
		t.Fatalf("unexpected stored rows: %+v", stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteAppendRejectsOlderThanNewest(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectNewest(mock, "2024-06-01 12:00:00.000000")
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), []NewObservation{
		{CurrencyID: "bitcoin", Price: 1, Timestamp: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)},
	})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteAveragePriceNullIsNoData(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT AVG").
		WithArgs("bitcoin", "2024-01-01 00:00:00.000000", "2024-01-04 00:00:00.000000").
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(nil))

	_, err := store.AveragePrice(context.Background(), "bitcoin", date(2024, 1, 1), date(2024, 1, 3))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteReadErrorsAreWrapped(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("disk I/O error")

	mock.ExpectQuery("SELECT id, currency_id").WillReturnError(boom)

	_, err := store.Latest(context.Background(), 10)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}
