// Package main is the entry point for the testjobs service and its one-shot
// maintenance commands.
package main

import (
	"os"

	"testjobs/cmd/testjobs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
