// Package assets embeds the SQL migration files shipped with the binary.
package assets

import "embed"

const (
	PostgresMigrationDir = "migrations/postgres"
	SqliteMigrationDir   = "migrations/sqlite"
)

//go:embed migrations/*
var EmbedMigrations embed.FS
