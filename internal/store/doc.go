// Package store provides the relational store martsync reconciles into.
//
// The store holds three kinds of relations:
//   - Sources: raw facts written by ingestion, read-only to the engine
//   - Dimensions: SCD version records keyed by (key, valid_from)
//   - Tables: marts keyed by their effective unique key
//
// plus the martsync_runs ledger, one row per run.
//
// # Storage encoding
//
// Values are bound with ir.ToParam and decoded with ir.Coerce:
//   - decimals are NUMERIC and come back as int64, float64 or string
//   - dates are YYYY-MM-DD TEXT, timestamps fixed-width RFC 3339 TEXT
//   - bools are INTEGER 0/1
//
// The same encoding works on SQLite and Postgres, so rule SQL and
// watermark comparisons need no per-dialect rewriting.
//
// # Transactions
//
// Components take a Querier, satisfied by both *Store and *Tx. One run is
// one RunInTx call; nothing a run writes is visible until it commits.
//
// # Database Configuration (SQLite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
