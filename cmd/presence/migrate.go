package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/banshee-data/presence.report/internal/db"
)

// runMigrateCommand handles the 'migrate' subcommand dispatching
func runMigrateCommand(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", "presence.db", "Path to the presence journal database")
	fs.Parse(args)

	if fs.NArg() < 1 {
		printMigrateHelp()
		os.Exit(1)
	}
	action := fs.Arg(0)

	// Open database connection without running schema initialization
	// (migrations manage the schema)
	database, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("All migrations applied successfully")

	case "down":
		log.Printf("Rolling back most recent migration...")
		if err := database.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("Migration rolled back")

	case "status":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}
		if version == 0 {
			fmt.Println("No migrations applied")
			return
		}
		fmt.Printf("Version: %d, dirty: %v\n", version, dirty)

	case "force":
		if fs.NArg() < 2 {
			log.Fatal("Usage: presence migrate force <version_number>")
		}
		version, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			log.Fatalf("Invalid version number %q: %v", fs.Arg(1), err)
		}
		if err := database.MigrateForce(version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("Forced migration version to %d", version)

	case "help":
		printMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		printMigrateHelp()
		os.Exit(1)
	}
}

func printMigrateHelp() {
	fmt.Println(`Usage: presence migrate [-db path] <action>

Actions:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  status   Show the current migration version
  force    Force the migration version (recovery only)
  help     Show this help`)
}
