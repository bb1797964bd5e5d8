// Package migrations embeds SQL migration files into the binary,
// so Hearth can migrate its schema without the SQL files being
// present on the filesystem.
package migrations

import (
	"embed"

	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
