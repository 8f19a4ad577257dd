package main

import (
	"os"

	"github.com/dan-fein/sandbox-bootstrap-next/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
