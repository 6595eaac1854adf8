// Package migrations embeds the PostgreSQL schema of the pgstore backend.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
