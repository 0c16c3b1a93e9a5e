package main

import (
	"fmt"
	"os"

	"github.com/roach88/martsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "martsync:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
