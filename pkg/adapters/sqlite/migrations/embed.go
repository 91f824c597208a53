package migrations

import "embed"

// FS contains embedded SQLite migrations for the session backend.
//
//go:embed *.sql
var FS embed.FS
