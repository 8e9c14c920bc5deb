package main

import (
	"os"

	"github.com/rustyeddy/vledger/cmd/vledger/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
