// Package migrations embeds the search index schema.
package migrations

import "embed"

// FS holds the numbered up/down migrations applied by golang-migrate.
//
//go:embed *.sql
var FS embed.FS
