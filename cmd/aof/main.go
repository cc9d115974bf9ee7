// Package main provides the entry point for the aof CLI.
package main

import (
	"os"

	"github.com/aofdev/aof/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
