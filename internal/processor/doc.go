// Package processor runs form submissions through the case pipeline.
//
// Submit takes raw XML and attachments, detects duplicates and edits by
// instance id and content hash, applies the form's case blocks through the
// engine and commits the form, its cases and their transactions as one
// batch. All of that happens while holding the form's lock and the locks of
// the cases the form names.
//
// Expected outcomes (created, duplicate, deprecated, error) come back as a
// Result. Only lock conflicts and storage failures are returned as errors,
// both as *Error so callers can tell "retry" from "your data was bad".
//
// Archive and Unarchive move a form between normal and archived, revoking or
// restoring its case transactions. Reconcile finds submissions whose commit
// was interrupted.
package processor
