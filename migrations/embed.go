// Package migrations embeds the goose SQL migration files.
package migrations

import "embed"

// FS contains all .sql migration files, applied in lexical order by goose.
//
//go:embed *.sql
var FS embed.FS
