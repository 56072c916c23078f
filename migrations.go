package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Add connection lookup indexes",
			SQL: `
				CREATE INDEX IF NOT EXISTS idx_connections_workspace ON connections(workspace_id);
				CREATE INDEX IF NOT EXISTS idx_connections_due ON connections(rate_limited_until, last_sync_at);
			`,
		},
		{
			Version:     2,
			Description: "Track last genuine data movement per connection",
			SQL: `
				ALTER TABLE connections ADD COLUMN IF NOT EXISTS last_change_at TIMESTAMP;
			`,
		},
		{
			Version:     3,
			Description: "Per-connection entity catalog from sync reconciliation",
			SQL: `
				CREATE TABLE IF NOT EXISTS entities (
					connection_id VARCHAR NOT NULL,
					id VARCHAR NOT NULL,
					name VARCHAR NOT NULL,
					level VARCHAR NOT NULL,
					active BOOLEAN NOT NULL,
					last_seen_at TIMESTAMP NOT NULL,
					PRIMARY KEY (connection_id, id)
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	// Create migrations table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current schema version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Apply pending migrations
	migrations := GetMigrations()
	appliedCount := 0

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Info("applying migration",
			slog.Int("version", migration.Version),
			slog.String("description", migration.Description))

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		_, err = tx.Exec(migration.SQL)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			migration.Version, migration.Description, time.Now(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		appliedCount++
	}

	if appliedCount > 0 {
		slog.Info("migrations applied", slog.Int("count", appliedCount))
	}

	return nil
}
