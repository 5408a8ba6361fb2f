// Package stores persists run history in SQLite: runs, per-task results
// with their outcome entries, and an audit trail. The schema is applied by
// golang-migrate from embedded migrations.
package stores
