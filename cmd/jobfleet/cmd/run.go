package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobfleet/internal/jobfleet"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a jobfleet node",
		RunE:  runNode,
	}
	return cmd
}

func runNode(_ *cobra.Command, _ []string) error {
	config, v, err := loadConfig()
	if err != nil {
		return err
	}
	return jobfleet.Run(config, loadResolutionConfig, v)
}
