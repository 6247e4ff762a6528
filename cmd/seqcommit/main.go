// Command seqcommit runs entries on a worker pool and commits their results
// in seq order.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/seqcommit/internal/cli"
)

var version = "dev"

func main() {
	cmd := cli.NewRootCommand()
	cmd.Version = version

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seqcommit: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
