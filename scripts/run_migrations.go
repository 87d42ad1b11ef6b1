package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/safar/go-card-fulfillment/internal/config"
	"github.com/safar/go-card-fulfillment/internal/database"
)

// Applies or reverts card store migrations, tracked in schema_migrations.
//
//	go run scripts/run_migrations.go up
//	go run scripts/run_migrations.go down 1
//
// The directory comes from MIGRATIONS_DIR.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down] [steps]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	steps := 0
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n < 1 {
			log.Fatalf("Steps must be a positive number, got %q", os.Args[2])
		}
		steps = n
	}
	// A bare down reverts only the latest migration.
	if direction == "down" && steps == 0 {
		steps = 1
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	ran, err := database.Migrate(context.Background(), db, cfg.Database.MigrationsDir, direction, steps)
	for _, version := range ran {
		log.Printf("Migrated %s: %s", direction, version)
	}
	if err != nil {
		log.Fatalf("Migrate %s: %v", direction, err)
	}

	log.Printf("%d migration(s) %s on %s", len(ran), direction, database.DriverName(db))
}
