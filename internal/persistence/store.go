// Package persistence provides SQLite-backed storage of per-agent connection
// preferences so a restarted client can reconnect with the same parameters.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AgentPrefs are the last connect parameters used for an agent.
type AgentPrefs struct {
	AgentID   string            `json:"agentId"`
	AgentCmd  string            `json:"agentCmd"`
	Cwd       string            `json:"cwd"`
	Proxy     string            `json:"proxy"`
	Env       map[string]string `json:"env"`
	UpdatedAt string            `json:"updatedAt"` // RFC 3339
}

// LastSession is the most recent session created or selected for an agent.
type LastSession struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	UpdatedAt string `json:"updatedAt"`
}

// Store provides persistent agent preferences backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbFileMode keeps agent env values, which are usually API keys, readable by
// the owner only.
const dbFileMode fs.FileMode = 0o600

// Open creates or opens a SQLite database at the given path. The file is
// created owner-only, and an existing file is narrowed to owner-only.
func Open(dbPath string) (*Store, error) {
	if err := restrictFile(dbPath); err != nil {
		return nil, err
	}
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

func restrictFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, dbFileMode)
	switch {
	case err == nil:
		return f.Close()
	case errors.Is(err, fs.ErrExist):
		if err := os.Chmod(dbPath, dbFileMode); err != nil {
			return fmt.Errorf("restrict database permissions: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("create database file: %w", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the agent_prefs table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_prefs (
			agent_id TEXT PRIMARY KEY,
			agent_cmd TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 adds the proxy column and the per-agent env table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		ALTER TABLE agent_prefs ADD COLUMN proxy TEXT NOT NULL DEFAULT '';
		CREATE TABLE IF NOT EXISTS agent_env (
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (agent_id, key)
		);
	`)
	return err
}

// migrateV3 creates the last_sessions table.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS last_sessions (
			agent_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// UpsertAgentPrefs stores prefs, replacing any previous row and env set.
func (s *Store) UpsertAgentPrefs(prefs AgentPrefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefs.AgentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if prefs.UpdatedAt == "" {
		prefs.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO agent_prefs (agent_id, agent_cmd, cwd, proxy, updated_at) VALUES (?, ?, ?, ?, ?)`,
		prefs.AgentID, prefs.AgentCmd, prefs.Cwd, prefs.Proxy, prefs.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert agent prefs: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM agent_env WHERE agent_id = ?", prefs.AgentID); err != nil {
		return fmt.Errorf("clear agent env: %w", err)
	}
	for k, v := range prefs.Env {
		if _, err := tx.Exec("INSERT INTO agent_env (agent_id, key, value) VALUES (?, ?, ?)", prefs.AgentID, k, v); err != nil {
			return fmt.Errorf("insert agent env %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit agent prefs: %w", err)
	}
	return nil
}

// GetAgentPrefs retrieves persisted prefs.
// Returns nil, nil if nothing is stored for the agent.
func (s *Store) GetAgentPrefs(agentID string) (*AgentPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p AgentPrefs
	err := s.db.QueryRow(
		"SELECT agent_id, agent_cmd, cwd, proxy, updated_at FROM agent_prefs WHERE agent_id = ?",
		agentID,
	).Scan(&p.AgentID, &p.AgentCmd, &p.Cwd, &p.Proxy, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent prefs: %w", err)
	}

	env, err := s.env(agentID)
	if err != nil {
		return nil, err
	}
	p.Env = env
	return &p, nil
}

// ListAgentPrefs returns prefs for every agent, ordered by agent id.
func (s *Store) ListAgentPrefs() ([]AgentPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT agent_id, agent_cmd, cwd, proxy, updated_at FROM agent_prefs ORDER BY agent_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list agent prefs: %w", err)
	}
	defer rows.Close()

	var out []AgentPrefs
	for rows.Next() {
		var p AgentPrefs
		if err := rows.Scan(&p.AgentID, &p.AgentCmd, &p.Cwd, &p.Proxy, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent prefs: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent prefs: %w", err)
	}

	for i := range out {
		env, err := s.env(out[i].AgentID)
		if err != nil {
			return nil, err
		}
		out[i].Env = env
	}
	if out == nil {
		out = []AgentPrefs{}
	}
	return out, nil
}

// DeleteAgentPrefs removes everything stored for an agent.
func (s *Store) DeleteAgentPrefs(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		"DELETE FROM agent_prefs WHERE agent_id = ?",
		"DELETE FROM agent_env WHERE agent_id = ?",
		"DELETE FROM last_sessions WHERE agent_id = ?",
	} {
		if _, err := s.db.Exec(stmt, agentID); err != nil {
			return fmt.Errorf("delete agent prefs: %w", err)
		}
	}
	return nil
}

// RecordSession remembers the agent's current session.
func (s *Store) RecordSession(agentID, sessionID, cwd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO last_sessions (agent_id, session_id, cwd, updated_at) VALUES (?, ?, ?, ?)",
		agentID, sessionID, cwd, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// GetLastSession returns the agent's last session, or nil, nil if none.
func (s *Store) GetLastSession(agentID string) (*LastSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ls LastSession
	err := s.db.QueryRow(
		"SELECT agent_id, session_id, cwd, updated_at FROM last_sessions WHERE agent_id = ?",
		agentID,
	).Scan(&ls.AgentID, &ls.SessionID, &ls.Cwd, &ls.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last session: %w", err)
	}
	return &ls, nil
}

// env must be called with s.mu held.
func (s *Store) env(agentID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM agent_env WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent env: %w", err)
	}
	defer rows.Close()

	env := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan agent env: %w", err)
		}
		env[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent env: %w", err)
	}
	return env, nil
}
