package database

import (
	"embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/database"
)

//go:embed migrations/*.sql
var fs embed.FS

// Migrate updates the supplied database to the latest version.
// If the database is already at the latest version then this is a no-op
func Migrate(ctx *armadacontext.Context, db database.Querier) error {
	start := time.Now()
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	err = database.UpdateDatabase(ctx, db, migrations)
	if err != nil {
		return err
	}
	log.Infof("Updated jobfleet database in %s", time.Since(start))
	return nil
}

// WithTestDb creates a jobfleet database suitable for testing. This will instantiate a completely new Postgres
// database which will be torn down after this function completes
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	migrations, err := database.ReadMigrations(fs, "migrations")
	if err != nil {
		return err
	}
	return database.WithTestDb(migrations, action)
}
