package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/brixsport/backend/cmd/brixsport/commands"
)

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
