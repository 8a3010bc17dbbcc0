package main

import (
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/huddle/chat-app/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: migrate up|down|version|force <version>")
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	m, err := store.NewMigrator(dsn)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer m.Close()

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: migrate force <version>")
		}
		v, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			log.Fatalf("invalid version %q: %v", os.Args[2], convErr)
		}
		err = m.Force(v)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Printf("no migrations applied")
			return
		}
		if verr != nil {
			log.Fatalf("read version: %v", verr)
		}
		log.Printf("version=%d dirty=%v", version, dirty)
		return
	default:
		log.Fatalf("unknown command %q", os.Args[1])
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Printf("schema already up to date")
		return
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", os.Args[1], err)
	}
	log.Printf("migrate %s: done", os.Args[1])
}
