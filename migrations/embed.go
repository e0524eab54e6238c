// Package migrations embeds SQL schema migrations for every supported store.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql goose migrations.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
