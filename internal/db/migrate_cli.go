package db

import (
	"fmt"
	"io"
)

// RunMigrateCommand implements the migrate subcommand: up, down or status.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch args[0] {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(w, "migrations applied")
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(w, "rolled back one migration")
	case "status":
	case "help":
		PrintMigrateHelp(w)
		return nil
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action %q", args[0])
	}
	return printStatus(w, database)
}

func printStatus(w io.Writer, database *DB) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "database: %s\n", database.Path())
	fmt.Fprintf(w, "version:  %d (latest %d)\n", version, latest)
	if dirty {
		fmt.Fprintln(w, "state:    DIRTY")
	} else if version < latest {
		fmt.Fprintf(w, "state:    %d pending\n", latest-version)
	} else {
		fmt.Fprintln(w, "state:    up to date")
	}
	return nil
}

// PrintMigrateHelp prints usage for the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `usage: pathguard migrate <action>

actions:
  up       apply all pending migrations
  down     roll back the most recent migration
  status   show the applied and latest versions
  help     show this message
`)
}
