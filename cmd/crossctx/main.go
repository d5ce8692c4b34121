// Package main provides the entry point for the crossctx CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/crossctx/cmd/crossctx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
