// Package main provides the chatpipe CLI.
//
// Usage:
//
//	chatpipe [flags] <command>
//
// Commands:
//
//	chat     - Interactive chat session (streaming)
//
// Configuration:
//
//	The CLI reads ~/.chatpipe/config.yaml by default; use --config to
//	point elsewhere.
package main

import (
	"fmt"
	"os"

	"github.com/mintlabs/chatpipe/cmd/chatpipe/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
