// Package migrations carries the Postgres schema for the handover store.
package migrations

import "embed"

// FS holds the numbered migration files applied by `migrate up`.
//
//go:embed *.sql
var FS embed.FS
