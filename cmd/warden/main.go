package main

import (
	"os"

	"github.com/leadgov-io/warden/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
