// Package cache implements the dual-tier persistent store behind the model
// cache. Raw bytes (partial or complete) live in a data tier (local disk, S3,
// MinIO or memory) and the per-entry metadata {totalSize, digest, complete,
// verifiedAt} lives in a metadata tier (SQLite, Postgres or memory). Both
// tiers are keyed by the canonical ResourceKey.
//
// Callers treat Put/Append as one logical write. Data is always written before
// metadata, so a crash between the two leaves at most a "metadata disagrees
// with data" state; Get demotes such entries to incomplete instead of
// reporting them as trusted.
package cache
