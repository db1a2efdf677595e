package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

var konutSatilik = crawler.PartitionKey{Category: crawler.CategoryResidential, Transaction: crawler.TransactionSale}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertListingsRecordsPriceChangesInTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	l := crawler.Listing{
		ID: 1001, Title: "2+1", Price: 950_000,
		Category: konutSatilik.Category, Transaction: konutSatilik.Transaction, CrawledAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs(int64(1001), int64(950_000), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertListings(context.Background(), []crawler.Listing{l}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertListingsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO price_history").
		WithArgs(anyArgs(3)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO listings").
		WithArgs(anyArgs(11)...).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err = store.UpsertListings(context.Background(), []crawler.Listing{{ID: 1, Category: "konut", Transaction: "satilik"}})
	require.ErrorContains(t, err, "deadlock detected")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentCountsInsertedRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO new_listings").WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO new_listings").WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := store.InsertIfAbsent(context.Background(), []crawler.NewListingRecord{{ListingID: 1}, {ListingID: 2}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionIDs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id FROM listings WHERE category").
		WithArgs("konut", "satilik").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(7)))

	ids, err := store.PartitionIDs(context.Background(), konutSatilik)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 7}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionStatsNeverChecked(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM partition_stats WHERE").
		WithArgs("konut", "satilik").
		WillReturnError(pgx.ErrNoRows)

	p, err := store.PartitionStats(context.Background(), konutSatilik)
	require.NoError(t, err)
	require.Equal(t, konutSatilik, p.Key)
	require.Nil(t, p.LastCheckedAt)
}

func TestPartitionStatsLoaded(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	checked := time.Date(2024, 3, 15, 4, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM partition_stats WHERE").
		WithArgs("konut", "satilik").
		WillReturnRows(mock.NewRows([]string{
			"category", "transaction_type", "remote_count", "local_count", "diff", "status", "last_checked_at",
		}).AddRow("konut", "satilik", 120, 100, 20, "new", &checked))

	p, err := store.PartitionStats(context.Background(), konutSatilik)
	require.NoError(t, err)
	require.Equal(t, 20, p.Diff)
	require.Equal(t, crawler.PartitionNew, p.Status)
	require.NotNil(t, p.LastCheckedAt)
	require.True(t, checked.Equal(*p.LastCheckedAt))
}

func TestArchiveAndDeleteRunsInOneTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	removedAt := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	ids := []int64{4, 9}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO removed_listings").
		WithArgs("konut", "satilik", ids, removedAt, crawler.RemovalReasonNotFound).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("DELETE FROM listings").
		WithArgs("konut", "satilik", ids).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	n, err := store.ArchiveAndDelete(context.Background(), konutSatilik, ids, removedAt)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveAndDeleteRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO removed_listings").
		WithArgs(anyArgs(5)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.ArchiveAndDelete(context.Background(), konutSatilik, []int64{1}, time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveAndDeleteNoIDs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewListingStore(mock)
	require.NoError(t, err)

	n, err := store.ArchiveAndDelete(context.Background(), konutSatilik, nil, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
