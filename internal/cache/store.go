// Package cache keeps a best-effort per-connection copy of the last agent
// list so a client can render before the first round-trip completes.
//
// Only agents and commands are stored. Transcripts, queues and drafts never
// touch disk.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/protocol"
)

// Snapshot is the cached record for one connection.
type Snapshot struct {
	Agents   []agents.Agent     `json:"agents"`
	Commands []protocol.Command `json:"commands"`
	SavedAt  time.Time          `json:"savedAt"`
}

// Store is a SQLite-backed cache.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the cache database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}
	for i := version; i < len(migrations); i++ {
		slog.Info("Cache: applying migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the per-connection snapshot table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS connection_cache (
			connection_id TEXT PRIMARY KEY,
			agents TEXT NOT NULL DEFAULT '[]',
			saved_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 adds the command list.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE connection_cache ADD COLUMN commands TEXT NOT NULL DEFAULT '[]'`)
	return err
}

// Save replaces the snapshot for connectionID. A zero SavedAt is set to
// the current time.
func (s *Store) Save(ctx context.Context, connectionID string, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	if snap.Agents == nil {
		snap.Agents = []agents.Agent{}
	}
	if snap.Commands == nil {
		snap.Commands = []protocol.Command{}
	}
	agentsJSON, err := json.Marshal(snap.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	commandsJSON, err := json.Marshal(snap.Commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connection_cache (connection_id, agents, commands, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			agents = excluded.agents,
			commands = excluded.commands,
			saved_at = excluded.saved_at
	`, connectionID, string(agentsJSON), string(commandsJSON), snap.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for connectionID. The second result is false
// when nothing is cached.
func (s *Store) Load(ctx context.Context, connectionID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agentsJSON, commandsJSON, savedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT agents, commands, saved_at FROM connection_cache WHERE connection_id = ?",
		connectionID,
	).Scan(&agentsJSON, &commandsJSON, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(agentsJSON), &snap.Agents); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode cached agents: %w", err)
	}
	if err := json.Unmarshal([]byte(commandsJSON), &snap.Commands); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode cached commands: %w", err)
	}
	if snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode saved_at: %w", err)
	}
	return snap, true, nil
}

// Delete removes the snapshot for connectionID.
func (s *Store) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM connection_cache WHERE connection_id = ?", connectionID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Connections lists the cached connection ids.
func (s *Store) Connections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT connection_id FROM connection_cache ORDER BY connection_id")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
