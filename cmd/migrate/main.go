// migrate applies the access decision trail schema: go run ./cmd/migrate
// [-direction down].
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"subdomain-auth-bridge/internal/config"
	"subdomain-auth-bridge/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	err = migrate.Run(cfg.DatabaseURL, *direction)
	switch {
	case err == nil:
		fmt.Println("migrations applied")
	case errors.Is(err, migrate.ErrNoChange):
		fmt.Println("database already up to date")
	default:
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
