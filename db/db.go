// Package db carries the schema migrations, embedded so binaries apply them
// at startup without a filesystem mount.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS
