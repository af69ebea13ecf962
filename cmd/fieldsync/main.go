package main

import (
	"os"

	"github.com/fieldsync/fieldsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
