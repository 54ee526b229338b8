// Package main provides the entry point for the devicegate CLI.
package main

import (
	"os"

	"github.com/liteclaw/devicegate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
