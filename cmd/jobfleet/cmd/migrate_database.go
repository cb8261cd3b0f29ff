package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/database"
	jobfleetdb "github.com/armadaproject/jobfleet/internal/jobfleet/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the jobfleet database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, _, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning jobfleet database migration")
	ctx := armadacontext.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = jobfleetdb.Migrate(ctx, db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate jobfleet database")
	}
	taken := time.Since(start)
	log.Infof("Jobfleet database migrated in %s", taken)
	return nil
}
