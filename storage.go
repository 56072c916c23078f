package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/adlens/adlens/models"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
)

// DuckDBStore persists workspaces, provider connections and the
// per-connection sync counters. Counter updates happen in the same
// transaction as the outcome they describe so a crash cannot leave them
// inconsistent.
type DuckDBStore struct {
	db *sql.DB
}

func NewDuckDBStore(dbPath string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	store := &DuckDBStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *DuckDBStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS connections (
			id VARCHAR PRIMARY KEY,
			workspace_id VARCHAR NOT NULL,
			provider VARCHAR NOT NULL,
			sync_frequency VARCHAR NOT NULL,
			account_timezone VARCHAR NOT NULL,
			rate_limited_until TIMESTAMP,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			sync_successes INTEGER NOT NULL DEFAULT 0,
			last_error VARCHAR,
			last_sync_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *DuckDBStore) Close() error { return s.db.Close() }

func (s *DuckDBStore) CreateWorkspace(name string) (*models.Workspace, error) {
	ws := &models.Workspace{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)",
		ws.ID, ws.Name, ws.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *DuckDBStore) GetWorkspace(id string) (*models.Workspace, bool) {
	var ws models.Workspace
	err := s.db.QueryRow(
		"SELECT id, name, created_at FROM workspaces WHERE id = ?", id,
	).Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if err != nil {
		return nil, false
	}
	return &ws, true
}

func (s *DuckDBStore) CreateConnection(conn models.Connection) (*models.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO connections (id, workspace_id, provider, sync_frequency, account_timezone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.WorkspaceID, string(conn.Provider), conn.SyncFrequency, conn.AccountTimezone, conn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

const connectionColumns = `
	id, workspace_id, provider, sync_frequency, account_timezone,
	rate_limited_until, sync_attempts, sync_successes,
	COALESCE(last_error, ''), last_sync_at, last_change_at, created_at`

func scanConnection(row interface{ Scan(...any) error }) (models.Connection, error) {
	var c models.Connection
	var provider string
	var rateLimitedUntil, lastSyncAt, lastChangeAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &provider, &c.SyncFrequency, &c.AccountTimezone,
		&rateLimitedUntil, &c.SyncAttempts, &c.SyncSuccesses,
		&c.LastError, &lastSyncAt, &lastChangeAt, &c.CreatedAt,
	)
	if err != nil {
		return models.Connection{}, err
	}
	c.Provider = models.Provider(provider)
	if rateLimitedUntil.Valid {
		t := rateLimitedUntil.Time
		c.RateLimitedUntil = &t
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		c.LastSyncAt = &t
	}
	if lastChangeAt.Valid {
		t := lastChangeAt.Time
		c.LastChangeAt = &t
	}
	return c, nil
}

func (s *DuckDBStore) GetConnection(id string) (*models.Connection, bool) {
	row := s.db.QueryRow("SELECT "+connectionColumns+" FROM connections WHERE id = ?", id)
	c, err := scanConnection(row)
	if err != nil {
		return nil, false
	}
	return &c, true
}

// DueConnections returns connections whose cooldown has expired, least
// recently synced first.
func (s *DuckDBStore) DueConnections(now time.Time) ([]models.Connection, error) {
	rows, err := s.db.Query(`
		SELECT `+connectionColumns+`
		FROM connections
		WHERE rate_limited_until IS NULL OR rate_limited_until <= ?
		ORDER BY last_sync_at ASC NULLS FIRST
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *DuckDBStore) MarkRateLimited(connID string, until time.Time) error {
	_, err := s.db.Exec(
		"UPDATE connections SET rate_limited_until = ? WHERE id = ?",
		until, connID,
	)
	return err
}

// RecordSyncResult updates the connection counters in one transaction.
func (s *DuckDBStore) RecordSyncResult(connID string, outcome models.SyncOutcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	successInc := 0
	if outcome.Success {
		successInc = 1
	}
	_, err = tx.Exec(`
		UPDATE connections SET
			sync_attempts = sync_attempts + 1,
			sync_successes = sync_successes + ?,
			last_error = ?,
			last_sync_at = ?
		WHERE id = ?`,
		successInc, nullString(outcome.Error), outcome.FinishedAt, connID,
	)
	if err != nil {
		return err
	}
	if outcome.Success {
		// A successful sync closes any stale cooldown.
		if _, err := tx.Exec("UPDATE connections SET rate_limited_until = NULL WHERE id = ?", connID); err != nil {
			return err
		}
	}
	if outcome.RowsWritten > 0 {
		if _, err := tx.Exec("UPDATE connections SET last_change_at = ? WHERE id = ?", outcome.FinishedAt, connID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertEntities merges one reconciliation pass into the connection's
// entity catalog. Entities absent from the pass keep their last known
// state; the catalog never forgets an entity the provider stops listing.
func (s *DuckDBStore) UpsertEntities(connID string, entities []models.Entity, seenAt time.Time) error {
	if len(entities) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entities {
		_, err := tx.Exec(`
			INSERT INTO entities (connection_id, id, name, level, active, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (connection_id, id) DO UPDATE SET
				name = excluded.name,
				level = excluded.level,
				active = excluded.active,
				last_seen_at = excluded.last_seen_at`,
			connID, e.ID, e.Name, e.Level, e.Active, seenAt,
		)
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (s *DuckDBStore) Entities(connID string) ([]models.Entity, error) {
	rows, err := s.db.Query(
		"SELECT id, name, level, active FROM entities WHERE connection_id = ? ORDER BY level, name",
		connID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Level, &e.Active); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
