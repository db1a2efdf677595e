// Package crawler holds the domain model of the listing sync crawler: catalog
// partitions, listings, crawl jobs, the error taxonomy, and the collaborator
// interfaces (fetcher, extractor, stores) the orchestration packages depend on.
package crawler
