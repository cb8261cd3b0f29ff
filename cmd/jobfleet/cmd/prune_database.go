package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/database"
	jobfleetdb "github.com/armadaproject/jobfleet/internal/jobfleet/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes old terminal jobs from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of rows that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		2*time.Hour,
		"Length of time after completion that job data will be removed")
	cmd.Flags().Int(
		"maxDeletions",
		1000000,
		"Maximum number of jobs removed by this run")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}
	maxDeletions, err := cmd.Flags().GetInt("maxDeletions")
	if err != nil {
		return errors.WithStack(err)
	}

	config, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := armadacontext.WithTimeout(armadacontext.Background(), timeout)
	defer cancel()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()

	clk := clock.RealClock{}
	deleted, err := jobfleetdb.PruneDb(
		ctx,
		jobfleetdb.NewPostgresJobRepository(db, clk),
		jobfleetdb.PruneOptions{RetentionPeriod: expireAfter, PageSize: batchSize, MaxDeletions: maxDeletions},
		clk,
		func() bool { return true },
	)
	log.Infof("Deleted %d jobs", deleted)
	return err
}
