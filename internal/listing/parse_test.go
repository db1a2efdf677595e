package listing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

var refNow = time.Date(2024, time.March, 15, 10, 30, 0, 0, time.UTC)

func TestParsePostedAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		label  string
		want   time.Time
		wantOK bool
	}{
		{"today with clock", "Bugün 14:30", time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC), true},
		{"today bare", "Bugün", refNow, true},
		{"yesterday", "Dün 09:15", time.Date(2024, 3, 14, 9, 15, 0, 0, time.UTC), true},
		{"day month", "15 Ocak", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), true},
		{"day month year", "20 Aralık 2023", time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC), true},
		{"multiline cell", "14\nMart\n2024", time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), true},
		{"unknown month", "15 March", time.Time{}, false},
		{"impossible date", "31 Şubat", time.Time{}, false},
		{"garbage clock", "Bugün 25:00", time.Time{}, false},
		{"empty", "", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePostedAt(tt.label, refNow)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			}
		})
	}
}

func TestIsFresh(t *testing.T) {
	t.Parallel()

	today, ok := ParsePostedAt("Bugün 08:00", refNow)
	require.True(t, IsFresh(today, ok, refNow))

	yesterday, ok := ParsePostedAt("Dün 23:59", refNow)
	require.True(t, IsFresh(yesterday, ok, refNow))

	older, ok := ParsePostedAt("13 Mart", refNow)
	require.True(t, ok)
	require.False(t, IsFresh(older, ok, refNow))

	require.False(t, IsFresh(time.Time{}, false, refNow))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(9300000), ParsePrice("9.300.000 TL"))
	require.Equal(t, int64(15000), ParsePrice(" 15.000 TL "))
	require.Zero(t, ParsePrice("Fiyat sorunuz"))
	require.Zero(t, ParsePrice(""))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	key := crawler.PartitionKey{Category: crawler.CategoryLand, Transaction: crawler.TransactionSale}
	got, err := Normalize(crawler.RawListing{
		ID:        "1122334455",
		Title:     "  Deniz manzaralı arsa ",
		Price:     "1.250.000 TL",
		Location:  "Hendek\n  Merkez",
		Date:      "Bugün 09:00",
		DetailURL: "https://www.sahibinden.com/ilan/1122334455",
	}, key, refNow)
	require.NoError(t, err)
	require.Equal(t, int64(1122334455), got.ID)
	require.Equal(t, "Deniz manzaralı arsa", got.Title)
	require.Equal(t, int64(1250000), got.Price)
	require.Equal(t, "Hendek Merkez", got.Location)
	require.True(t, got.Fresh)
	require.NotNil(t, got.PostedAt)
	require.Equal(t, key, got.Partition())

	_, err = Normalize(crawler.RawListing{ID: "abc"}, key, refNow)
	require.Error(t, err)
}

func TestDaysActive(t *testing.T) {
	t.Parallel()

	created := refNow.AddDate(0, 0, -10)
	require.Equal(t, 10, DaysActive(created, refNow))
	require.Zero(t, DaysActive(refNow, created))
	require.Zero(t, DaysActive(time.Time{}, refNow))
}
