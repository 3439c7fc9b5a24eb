// Package migrations embeds the forward-only goose migrations for the
// advBBS store, mirroring the teacher's migrations.Migrations embed.FS.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
