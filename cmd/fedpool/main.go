package main

import (
	"os"

	"github.com/jgoldverg/fedpool/cli"
	"github.com/pterm/pterm"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.WithWriter(os.Stderr).Println(err)
		os.Exit(1)
	}
}
