// Package migrations embeds the field client's schema migrations.
package migrations

import "embed"

// Migrations holds the goose SQL migrations at the filesystem root.
//
//go:embed *.sql
var Migrations embed.FS
