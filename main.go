package main

import (
	"os"

	"github.com/darkwallet/mixer-svc/internal/cli"
)

func main() {
	if !cli.Run(os.Args) {
		os.Exit(1)
	}
}
