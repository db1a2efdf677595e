// Package goquery extracts listing rows and the result-count hint from
// catalog search pages.
package goquery

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// DefaultBaseURL resolves relative detail and image links.
const DefaultBaseURL = "https://www.sahibinden.com"

const (
	rowSelector      = "#searchResultsTable tr.searchResultsItem"
	titleSelector    = "a.classifiedTitle"
	priceSelector    = "td.searchResultsPriceValue"
	locationSelector = "td.searchResultsLocationValue"
	dateSelector     = "td.searchResultsDateValue"
	totalSelector    = ".resultsTextWrapper"
	countSelector    = ".result-text span"
)

// Extractor implements crawler.PageExtractor with goquery.
type Extractor struct {
	base *url.URL
}

// New builds an Extractor. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) (*Extractor, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Extractor{base: u}, nil
}

// Extract parses one search page. Rows without an id or title are skipped.
func (e *Extractor) Extract(page crawler.Page) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	var out crawler.Extraction
	out.TotalHint, out.HasTotalHint = totalHint(doc)

	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		id := strings.TrimSpace(row.AttrOr("data-id", ""))
		title := row.Find(titleSelector).First()
		name := strings.TrimSpace(title.Text())
		if id == "" || name == "" {
			return
		}
		out.Records = append(out.Records, crawler.RawListing{
			ID:        id,
			Title:     name,
			Price:     text(row.Find(priceSelector)),
			Location:  text(row.Find(locationSelector)),
			Date:      text(row.Find(dateSelector)),
			ImageURL:  e.resolve(imageSource(row.Find("img").First())),
			DetailURL: e.resolve(title.AttrOr("href", "")),
		})
	})
	return out, nil
}

// totalHint reads data-totalmatches, falling back to the "N ilan" counter.
func totalHint(doc *goquery.Document) (int, bool) {
	if raw, ok := doc.Find(totalSelector).First().Attr("data-totalmatches"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 {
			return n, true
		}
	}
	counter := doc.Find(countSelector).First().Text()
	if n, ok := leadingCount(counter); ok {
		return n, true
	}
	return 0, false
}

// leadingCount parses "1.234 ilan" style counters.
func leadingCount(s string) (int, bool) {
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '.' || r == ',':
		default:
			if digits.Len() > 0 {
				return finishCount(digits.String())
			}
		}
	}
	return finishCount(digits.String())
}

func finishCount(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func imageSource(img *goquery.Selection) string {
	if src := img.AttrOr("data-src", ""); src != "" {
		return src
	}
	return img.AttrOr("src", "")
}

func (e *Extractor) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return e.base.ResolveReference(u).String()
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.First().Text()), " ")
}
