package main

import (
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/technosupport/ts-protect-backup/internal/data"
)

func main() {
	upCmd := flag.Bool("up", false, "Apply all pending migrations")
	downCmd := flag.Bool("down", false, "Roll back all migrations")
	stepsCmd := flag.Int("steps", 0, "Apply +/- this many migrations")
	path := flag.String("sqlite-path", "./events.sqlite", "Path of the ledger database file")
	flag.Parse()

	db, err := data.Open(*path)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer db.Close()

	m, err := data.NewMigrator(db)
	if err != nil {
		log.Fatalf("Failed to initialize migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("Running UP migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration UP failed: %v", err)
		}
		log.Println("Migration UP completed.")
	case *downCmd:
		log.Println("Running DOWN migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration DOWN failed: %v", err)
		}
		log.Println("Migration DOWN completed.")
	case *stepsCmd != 0:
		log.Printf("Running %d steps...", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Migration Steps failed: %v", err)
		}
		log.Println("Migration Steps completed.")
	default:
		log.Println("No command specified. Use -up, -down, or -steps.")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("No version found (empty db?).")
		} else {
			log.Printf("Current Version: %d, Dirty: %v", version, dirty)
		}
	}
	log.Printf("Duration: %v", time.Since(start))
}
