// Package stores persists placement history in SQLite: placement records, per-stage
// records and the event timeline. The schema is applied from embedded migrations.
package stores
