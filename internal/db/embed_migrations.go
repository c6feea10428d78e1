package db

import "embed"

// MigrationFS carries the access_decisions schema migrations, embedded so
// cmd/migrate needs no files on disk.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
