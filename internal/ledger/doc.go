// Package ledger persists agent configurations, the append-only timeline and
// wallet positions. Two implementations are provided: an in-memory store used
// by default and in tests, and a MySQL store with embedded schema migrations.
//
// Both stores enforce the same scheduling rules: a claim is a lease that
// expires after its TTL, and next_run_at only ever moves forward.
package ledger
