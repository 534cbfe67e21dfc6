// Package database opens the bridge's SQLite file and applies its schema
// migrations.
//
// The database holds the last known state of each receiver and the command
// audit trail. It is opened with WAL mode, a busy timeout and a single
// connection, and the file is restricted to its owner (0600).
//
// Migrations are embedded SQL files named YYYYMMDD_HHMMSS_name.up.sql with
// a matching .down.sql, applied oldest first, each in its own transaction,
// and recorded in schema_migrations.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
