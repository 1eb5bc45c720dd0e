package main

import (
	"os"

	"github.com/klikkflow/flowsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
