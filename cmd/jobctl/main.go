// Command jobctl runs a jobservice worker node and performs operator
// actions against a job store.
package main

import (
	"os"

	"github.com/xraph/jobservice/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
