// Package store defines the repository for per-partition run progress.
// Implementations live in the storage packages; this package must not import
// database drivers or concrete clients.
package store
