// Package listing normalizes raw extracted records: ids, prices, and the
// site-relative posting dates used to decide freshness.
package listing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

const (
	todayPrefix     = "Bugün"
	yesterdayPrefix = "Dün"
)

var turkishMonths = map[string]time.Month{
	"Ocak":    time.January,
	"Şubat":   time.February,
	"Mart":    time.March,
	"Nisan":   time.April,
	"Mayıs":   time.May,
	"Haziran": time.June,
	"Temmuz":  time.July,
	"Ağustos": time.August,
	"Eylül":   time.September,
	"Ekim":    time.October,
	"Kasım":   time.November,
	"Aralık":  time.December,
}

// ParsePostedAt parses a site-relative date phrase ("Bugün 14:30", "Dün 09:15",
// "15 Ocak", "20 Aralık 2024") against now. Dates are built in now's location.
func ParsePostedAt(label string, now time.Time) (time.Time, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return time.Time{}, false
	}
	loc := now.Location()
	switch {
	case strings.HasPrefix(label, todayPrefix):
		return atClock(now, strings.TrimSpace(strings.TrimPrefix(label, todayPrefix)))
	case strings.HasPrefix(label, yesterdayPrefix):
		return atClock(now.AddDate(0, 0, -1), strings.TrimSpace(strings.TrimPrefix(label, yesterdayPrefix)))
	}

	parts := strings.Fields(label)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := turkishMonths[parts[1]]
	if !ok {
		return time.Time{}, false
	}
	year := now.Year()
	if len(parts) >= 3 {
		if year, err = strconv.Atoi(parts[2]); err != nil {
			return time.Time{}, false
		}
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}

func atClock(day time.Time, clock string) (time.Time, bool) {
	if clock == "" {
		return day, true
	}
	hh, mm, found := strings.Cut(clock, ":")
	if !found {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), true
}

// IsFresh reports whether postedAt falls on now's calendar day or the one before.
func IsFresh(postedAt time.Time, ok bool, now time.Time) bool {
	if !ok {
		return false
	}
	postedAt = postedAt.In(now.Location())
	if sameDay(postedAt, now) {
		return true
	}
	return sameDay(postedAt, now.AddDate(0, 0, -1))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// ParsePrice keeps only the digits of a price label ("9.300.000 TL" -> 9300000).
func ParsePrice(label string) int64 {
	var b strings.Builder
	for _, r := range label {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Normalize converts a raw record into a Listing of the given partition.
func Normalize(raw crawler.RawListing, key crawler.PartitionKey, now time.Time) (crawler.Listing, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw.ID), 10, 64)
	if err != nil || id <= 0 {
		return crawler.Listing{}, fmt.Errorf("invalid listing id %q", raw.ID)
	}
	out := crawler.Listing{
		ID:          id,
		Title:       truncate(strings.TrimSpace(raw.Title), 255),
		Price:       ParsePrice(raw.Price),
		Location:    strings.Join(strings.Fields(raw.Location), " "),
		PostedLabel: strings.Join(strings.Fields(raw.Date), " "),
		ImageURL:    raw.ImageURL,
		DetailURL:   raw.DetailURL,
		Category:    key.Category,
		Transaction: key.Transaction,
		CrawledAt:   now,
	}
	posted, ok := ParsePostedAt(out.PostedLabel, now)
	if ok {
		out.PostedAt = &posted
	}
	out.Fresh = IsFresh(posted, ok, now)
	return out, nil
}

// DaysActive returns the whole days between createdAt and removedAt, never negative.
func DaysActive(createdAt, removedAt time.Time) int {
	if createdAt.IsZero() || removedAt.Before(createdAt) {
		return 0
	}
	return int(removedAt.Sub(createdAt).Hours() / 24)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
