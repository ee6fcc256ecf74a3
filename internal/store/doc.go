// Package store is the relational backend for forms and cases, built on SQLite.
//
// Tables:
//   - forms: one row per (domain, form_id), state stored as its integer code
//   - cases: one row per (domain, case_id), dynamic properties as JSON
//   - case_indices: one row per (domain, case_id, identifier); removed indices keep
//     their row with an empty referenced_id
//   - case_transactions: one row per transaction, with the serialized actions
//   - unfinished_submissions: stubs for commits that were attempted but not confirmed
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
//
// Every CommitBatch runs in a single SQL transaction. Timestamps are stored as
// UTC unix nanoseconds so ORDER BY matches chronological order.
package store
