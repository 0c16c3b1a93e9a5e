// Package engine runs reconciliation for a compiled project.
//
// A run is one database transaction. Relations are processed in dependency
// levels; within a level every relation is read from the transaction
// first, then the pure compute phase (aggregation, SCD detection) runs in
// parallel, and finally the writes are applied one relation at a time in
// level order. Invariant rules run last, inside the same transaction, and
// an error-severity violation rolls the whole run back.
//
// Every run, passed or failed, is recorded in the run ledger after the
// transaction ends.
package engine
