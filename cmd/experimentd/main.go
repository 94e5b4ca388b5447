package main

import (
	"os"

	"github.com/G-Research/experimentd/cmd/experimentd/cmd"
	"github.com/G-Research/experimentd/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
