package main

import (
	"os"

	"github.com/HummdG/tazaticket/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
