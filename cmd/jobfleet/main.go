package main

import (
	"os"

	"github.com/armadaproject/jobfleet/cmd/jobfleet/cmd"
	"github.com/armadaproject/jobfleet/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
