package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"tradedesk/internal/cli"
	"tradedesk/internal/security"
)

func main() {
	// A missing .env is normal; the environment may already be set.
	_ = godotenv.Load()

	app := &cli.App{}
	if err := cli.Execute(context.Background(), app, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", security.Redact(err.Error()))
		os.Exit(1)
	}
}
