// Package main provides the entry point for the replkit CLI.
package main

import (
	"fmt"
	"os"

	"github.com/replkit/replkit/cmd/replkit/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
