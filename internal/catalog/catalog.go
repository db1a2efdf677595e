// Package catalog describes the remote catalog layout: the known partitions,
// how their listing pages are addressed, and how they are spread over workers.
package catalog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

// PageSize is the number of listings the remote site returns per page.
const PageSize = 50

// Default addressing for the remote catalog.
const (
	DefaultBaseURL = "https://www.sahibinden.com"
	DefaultRegion  = "sakarya-hendek"
)

var partitions = []crawler.PartitionKey{
	{Category: crawler.CategoryResidential, Transaction: crawler.TransactionSale},
	{Category: crawler.CategoryResidential, Transaction: crawler.TransactionRent},
	{Category: crawler.CategoryLand, Transaction: crawler.TransactionSale},
	{Category: crawler.CategoryCommercial, Transaction: crawler.TransactionSale},
	{Category: crawler.CategoryCommercial, Transaction: crawler.TransactionRent},
	{Category: crawler.CategoryBuilding, Transaction: crawler.TransactionSale},
	{Category: crawler.CategoryBuilding, Transaction: crawler.TransactionRent},
}

// twoWorkerDistribution balances the large partitions across two workers.
var twoWorkerDistribution = [][]string{
	{"konut_satilik", "arsa_satilik", "bina_satilik", "bina_kiralik"},
	{"konut_kiralik", "isyeri_satilik", "isyeri_kiralik"},
}

// Partitions returns every known partition in catalog order.
func Partitions() []crawler.PartitionKey {
	return append([]crawler.PartitionKey(nil), partitions...)
}

// Parse resolves a "<category>_<transaction>" key into a known partition.
func Parse(key string) (crawler.PartitionKey, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, p := range partitions {
		if p.String() == key {
			return p, nil
		}
	}
	return crawler.PartitionKey{}, fmt.Errorf("unknown partition %q", key)
}

// ParseAll resolves keys, defaulting to every partition when keys is empty.
// Duplicates are dropped while preserving first-seen order.
func ParseAll(keys []string) ([]crawler.PartitionKey, error) {
	if len(keys) == 0 {
		return Partitions(), nil
	}
	seen := make(map[crawler.PartitionKey]struct{}, len(keys))
	out := make([]crawler.PartitionKey, 0, len(keys))
	for _, k := range keys {
		p, err := Parse(k)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// URLBuilder renders listing page URLs for a partition.
type URLBuilder struct {
	BaseURL string
	Region  string
}

// NewURLBuilder returns a builder, falling back to the default site and region.
func NewURLBuilder(baseURL, region string) URLBuilder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if region == "" {
		region = DefaultRegion
	}
	return URLBuilder{BaseURL: strings.TrimRight(baseURL, "/"), Region: region}
}

// PageURL returns the URL of page (0-based) for the partition, newest first
// unless ascending is set.
func (b URLBuilder) PageURL(key crawler.PartitionKey, page int, ascending bool) string {
	segment := string(key.Transaction)
	if key.Category != crawler.CategoryResidential {
		segment += "-" + string(key.Category)
	}
	q := url.Values{}
	q.Set("pagingSize", strconv.Itoa(PageSize))
	if ascending {
		q.Set("sorting", "date_asc")
	} else {
		q.Set("sorting", "date_desc")
	}
	if page > 0 {
		q.Set("pagingOffset", strconv.Itoa(page*PageSize))
	}
	return fmt.Sprintf("%s/%s/%s?%s", b.BaseURL, segment, b.Region, q.Encode())
}

// Distribute statically assigns partitions to workers. The two-worker layout
// follows the fixed balance used in production; other worker counts deal the
// partitions round-robin in the order given. Every worker list is disjoint.
func Distribute(keys []crawler.PartitionKey, workers int) [][]crawler.PartitionKey {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(keys) && len(keys) > 0 {
		workers = len(keys)
	}
	out := make([][]crawler.PartitionKey, workers)
	if workers == 2 {
		return distributeFixed(keys, out)
	}
	for i, k := range keys {
		out[i%workers] = append(out[i%workers], k)
	}
	return out
}

func distributeFixed(keys []crawler.PartitionKey, out [][]crawler.PartitionKey) [][]crawler.PartitionKey {
	requested := make(map[string]crawler.PartitionKey, len(keys))
	for _, k := range keys {
		requested[k.String()] = k
	}
	assigned := make(map[string]struct{}, len(keys))
	for worker, names := range twoWorkerDistribution {
		for _, name := range names {
			if k, ok := requested[name]; ok {
				out[worker] = append(out[worker], k)
				assigned[name] = struct{}{}
			}
		}
	}
	// Keys outside the fixed table go to whichever worker has less work.
	for _, k := range keys {
		if _, ok := assigned[k.String()]; ok {
			continue
		}
		target := 0
		if len(out[1]) < len(out[0]) {
			target = 1
		}
		out[target] = append(out[target], k)
	}
	return out
}
