// Package auditlog provides an optional local, append-only record of
// blocking decisions, for deployments that have no central log pipeline
// to ship inspectorlog output to.
package auditlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded blocking decision.
type Entry struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Host          string          `json:"host"`
	Method        string          `json:"method"`
	Path          string          `json:"path"`
	ClientAddr    string          `json:"client_addr"`
	PolicyName    string          `json:"policy_name"`
	ActionKind    string          `json:"action_kind"`
	Status        int             `json:"status"`
	Ban           bool            `json:"ban"`
	Tags          []string        `json:"tags,omitempty"`
	Reason        json.RawMessage `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// Store is a SQLite-backed append-only sink for Entry records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// applies the schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}

	slog.Info("audit log initialized", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		host TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		client_addr TEXT NOT NULL,
		policy_name TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		status INTEGER NOT NULL,
		ban INTEGER NOT NULL DEFAULT 0,
		tags TEXT,
		reason TEXT,
		correlation_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_host ON decisions(host);
	CREATE INDEX IF NOT EXISTS idx_decisions_policy ON decisions(policy_name);
	CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action_kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts a single Entry.
func (s *Store) Record(e Entry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		tags = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO decisions
		(id, timestamp, host, method, path, client_addr, policy_name, action_kind, status, ban, tags, reason, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp,
		e.Host,
		e.Method,
		e.Path,
		e.ClientAddr,
		e.PolicyName,
		e.ActionKind,
		e.Status,
		e.Ban,
		string(tags),
		string(e.Reason),
		e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record: %w", err)
	}
	return nil
}

// ListOptions filters a List call.
type ListOptions struct {
	Limit      int
	Host       string
	PolicyName string
	Since      *time.Time
}

// List retrieves recorded entries, most recent first.
func (s *Store) List(opts ListOptions) ([]Entry, error) {
	query := `
		SELECT id, timestamp, host, method, path, client_addr, policy_name, action_kind, status, ban, tags, reason, correlation_id
		FROM decisions WHERE 1=1`
	args := []any{}

	if opts.Host != "" {
		query += " AND host = ?"
		args = append(args, opts.Host)
	}
	if opts.PolicyName != "" {
		query += " AND policy_name = ?"
		args = append(args, opts.PolicyName)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY timestamp DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tagsStr, reasonStr sql.NullString
		var ban int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Host, &e.Method, &e.Path, &e.ClientAddr,
			&e.PolicyName, &e.ActionKind, &e.Status, &ban, &tagsStr, &reasonStr, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Ban = ban != 0
		if tagsStr.Valid && tagsStr.String != "" {
			_ = json.Unmarshal([]byte(tagsStr.String), &e.Tags)
		}
		if reasonStr.Valid && reasonStr.String != "" {
			e.Reason = json.RawMessage(reasonStr.String)
		}
		out = append(out, e)
	}
	return out, nil
}

// Cleanup removes entries older than retentionDays, returning the number
// of rows deleted.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM decisions WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("auditlog: cleanup: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old audit entries", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
