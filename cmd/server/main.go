package main

import (
	"os"

	"github.com/joho/godotenv"

	"salesledger/backend/internal/cli"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
