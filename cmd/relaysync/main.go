// Command relaysync tracks a relay race from several offline-first devices.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/relaysync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
