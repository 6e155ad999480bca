package main

import (
	"os"

	"github.com/dremian/simlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
