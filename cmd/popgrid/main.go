// cmd/popgrid/main.go
package main

import (
	"os"

	"github.com/popgrid/popgrid/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
