// Package migrations embeds the SQL schema of the projector database.
package migrations

import "embed"

//go:embed projector/*.sql
var ProjectorFS embed.FS
