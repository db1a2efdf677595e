package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
	id               BIGINT PRIMARY KEY,
	title            VARCHAR(255) NOT NULL DEFAULT '',
	price            BIGINT NOT NULL DEFAULT 0,
	location         TEXT NOT NULL DEFAULT '',
	posted_label     TEXT NOT NULL DEFAULT '',
	posted_at        TIMESTAMPTZ,
	image_url        TEXT NOT NULL DEFAULT '',
	detail_url       TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS listings_partition_idx ON listings (category, transaction_type)`,
	`CREATE TABLE IF NOT EXISTS price_history (
	id         BIGSERIAL PRIMARY KEY,
	listing_id BIGINT NOT NULL,
	old_price  BIGINT NOT NULL,
	new_price  BIGINT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS price_history_listing_idx ON price_history (listing_id)`,
	`CREATE TABLE IF NOT EXISTS new_listings (
	listing_id       BIGINT PRIMARY KEY,
	title            VARCHAR(255) NOT NULL DEFAULT '',
	detail_url       TEXT NOT NULL DEFAULT '',
	price            BIGINT NOT NULL DEFAULT 0,
	location         TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	image_url        TEXT NOT NULL DEFAULT '',
	first_seen_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS removed_listings (
	listing_id       BIGINT PRIMARY KEY,
	title            VARCHAR(255) NOT NULL DEFAULT '',
	detail_url       TEXT NOT NULL DEFAULT '',
	last_price       BIGINT NOT NULL DEFAULT 0,
	location         TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	image_url        TEXT NOT NULL DEFAULT '',
	last_seen_at     TIMESTAMPTZ NOT NULL,
	removed_at       TIMESTAMPTZ NOT NULL,
	removal_reason   TEXT NOT NULL,
	days_active      INTEGER NOT NULL DEFAULT 0,
	price_changes    INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS partition_stats (
	category         TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	remote_count     INTEGER NOT NULL DEFAULT 0,
	local_count      INTEGER NOT NULL DEFAULT 0,
	diff             INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'synced',
	last_checked_at  TIMESTAMPTZ,
	PRIMARY KEY (category, transaction_type)
)`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
	id                   TEXT PRIMARY KEY,
	requested_partitions JSONB NOT NULL DEFAULT '[]',
	options              JSONB NOT NULL DEFAULT '{}',
	status               TEXT NOT NULL,
	started_at           TIMESTAMPTZ NOT NULL,
	completed_at         TIMESTAMPTZ,
	stats                JSONB NOT NULL DEFAULT '{}',
	progress             JSONB NOT NULL DEFAULT '{}',
	error                TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS partition_runs (
	job_id        UUID NOT NULL,
	partition     TEXT NOT NULL,
	worker        INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	last_update   TIMESTAMPTZ NOT NULL,
	pages         BIGINT NOT NULL DEFAULT 0,
	records       BIGINT NOT NULL DEFAULT 0,
	fresh         BIGINT NOT NULL DEFAULT 0,
	stop_reason   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT,
	PRIMARY KEY (job_id, partition)
)`,
}

// Migrate creates the tables and indexes the stores need. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
