package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
	"sigs.k8s.io/yaml"

	"github.com/armadaproject/jobfleet/internal/common"
	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
	jobfleetdb "github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/jobspec"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
)

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <request-file>",
		Short: "resolves a job request against the catalog and prints the resulting specification without storing it",
		Args:  cobra.ExactArgs(1),
		RunE:  resolveRequest,
	}
	cmd.Flags().String("output", "yaml", "Output format, yaml or json")
	return cmd
}

func resolveRequest(cmd *cobra.Command, args []string) error {
	common.ConfigureCommandLineLogging()
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return errors.WithStack(err)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.WithStack(err)
	}
	var request jobspec.JobRequest
	if err := yaml.UnmarshalStrict(data, &request); err != nil {
		return errors.Wrapf(err, "error parsing job request %s", args[0])
	}

	config, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := armadacontext.Background()
	clk := clock.RealClock{}

	var lookup catalog.Catalog
	if config.Storage.Type == configuration.StorageTypePostgres {
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "Failed to connect to database")
		}
		defer db.Close()
		lookup = catalog.NewPostgresCatalog(db, clk)
	} else {
		lookup, err = catalog.NewMemDbCatalogWithClock(clk)
		if err != nil {
			return err
		}
	}
	if config.Storage.CatalogFile != "" {
		if err := catalog.LoadSeedFile(ctx, lookup, config.Storage.CatalogFile); err != nil {
			return err
		}
	}

	// Specifications are kept in a throwaway store so nothing resolved here is persisted.
	scratch, err := jobfleetdb.NewMemDbJobRepository(clk)
	if err != nil {
		return err
	}
	builder, err := jobspec.NewBuilder(
		resolver.NewResolver(lookup),
		defaults.NewStaticSource(config.Resolution),
		scratch,
		1,
		clk,
	)
	if err != nil {
		return err
	}
	spec, _, err := builder.Build(ctx, request.WithJobId())
	if err != nil {
		return err
	}

	var out []byte
	switch output {
	case "json":
		out, err = spec.MarshalJSON()
	case "yaml":
		out, err = yaml.Marshal(spec)
	default:
		return errors.Errorf("unknown output format %s", output)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Println(string(out))
	return nil
}
