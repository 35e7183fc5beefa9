// Package migrations embeds the PostgreSQL schema so the API can apply it at startup.
package migrations

import "embed"

// FS holds the up and down SQL files.
//
//go:embed *.sql
var FS embed.FS
