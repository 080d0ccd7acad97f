// Command conveyor runs CI pipelines locally
package main

import (
	"os"

	"github.com/conveyor-ci/conveyor/pkg/cli"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
