package main

import (
	"os"

	"github.com/hypervisor-io/hypervisor/cmd/hypervisor/cmd"
	"github.com/hypervisor-io/hypervisor/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
