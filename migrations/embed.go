// Package migrations embeds the schema applied by db.Migrate.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
