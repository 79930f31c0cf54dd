// Package store is the durable local store: a single SQLite file holding
// assets, transfers, evidence, the change log, the pending mutation queue,
// per-entity sync state and the public key directory.
//
// All SQL lives here. Higher layers (changelog, syncq, transfer, reconcile)
// own the semantics and call Queries inside RunInTx so that a state change,
// its change log entry and its pending mutation commit together or not at all.
//
// Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate), so the
// write lock is taken up front and two processes sharing a database file
// serialize instead of failing at commit.
package store
