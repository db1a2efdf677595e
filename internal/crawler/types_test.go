package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPartitionObserve(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name          string
		remote, local int
		wantDiff      int
		wantStatus    PartitionStatus
	}{
		{"more remote", 120, 100, 20, PartitionNew},
		{"fewer remote", 90, 100, -10, PartitionRemoved},
		{"equal", 100, 100, 0, PartitionSynced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := Partition{Key: PartitionKey{Category: CategoryLand, Transaction: TransactionSale}}
			p.Observe(tc.remote, tc.local, at)
			require.Equal(t, tc.wantDiff, p.Diff)
			require.Equal(t, tc.wantStatus, p.Status)
			require.NotNil(t, p.LastCheckedAt)
			require.True(t, p.LastCheckedAt.Equal(at))
		})
	}
}

func TestListingPartition(t *testing.T) {
	t.Parallel()

	l := Listing{Category: CategoryCommercial, Transaction: TransactionRent}
	require.Equal(t, "isyeri_kiralik", l.Partition().String())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCancelled.Terminal())
}

func TestJobStatsMerge(t *testing.T) {
	t.Parallel()

	total := JobStats{New: 1, Pages: 2, Skipped: []string{"bina_satilik"}}
	total.Merge(JobStats{
		New:        3,
		Updated:    4,
		Removed:    5,
		Pages:      6,
		Listings:   300,
		SmartStops: 1,
		PagesSaved: 12,
		Partitions: []PartitionSummary{{Partition: "konut_satilik", StopReason: StopSmartStop}},
		Errors:     []PartitionError{{Partition: "arsa_satilik", Message: "blocked"}},
	})

	require.Equal(t, 4, total.New)
	require.Equal(t, 4, total.Updated)
	require.Equal(t, 5, total.Removed)
	require.Equal(t, 8, total.Pages)
	require.Equal(t, 300, total.Listings)
	require.Equal(t, 1, total.SmartStops)
	require.Equal(t, 12, total.PagesSaved)
	require.Equal(t, []string{"bina_satilik"}, total.Skipped)
	require.Len(t, total.Partitions, 1)
	require.Len(t, total.Errors, 1)
}

func TestFetchErrorKindOf(t *testing.T) {
	t.Parallel()

	blocked := NewFetchError(FetchBlocked, "https://example.test/konut/satilik", 403, nil)
	wrapped := fmt.Errorf("walk page 3: %w", blocked)
	require.Equal(t, FetchBlocked, FetchErrorKindOf(wrapped))
	require.Equal(t, FetchOther, FetchErrorKindOf(errors.New("boom")))
	require.Equal(t, "fetch https://example.test/konut/satilik [blocked] status=403", blocked.Error())

	timeout := NewFetchError(FetchTimeout, "u", 0, context.DeadlineExceeded)
	require.ErrorIs(t, timeout, context.DeadlineExceeded)
	require.Equal(t, "fetch u [timeout]: context deadline exceeded", timeout.Error())
}

func TestIsPersistenceError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("page 2: %w", &PersistenceError{Op: "upsert listings", Err: errors.New("conn reset")})
	require.True(t, IsPersistenceError(err))
	require.False(t, IsPersistenceError(errors.New("other")))
	require.EqualError(t, errors.Unwrap(err), "persistence upsert listings: conn reset")
}
