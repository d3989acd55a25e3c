package main

import (
	"os"

	"github.com/f3rmion/aura/cmd/aura/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
