// Command lockstep runs co-simulations: it drives engines in lockstep,
// serves reference engines over WebSocket, and reports recorded runs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lockstep/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
