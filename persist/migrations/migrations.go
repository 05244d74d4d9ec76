// Package migrations embeds the goose schema for the SQL document store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
