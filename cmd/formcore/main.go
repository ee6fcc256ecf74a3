// Command formcore receives XML form submissions and maintains the cases they
// describe.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/formcore/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
