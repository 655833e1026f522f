// Package store opens the SQLite database backing the cost ledger, the
// performance ledger, and the failover event log.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cost_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		model_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		task_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_records(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_model_id ON cost_records(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_agent_type ON cost_records(agent_type)`,

	`CREATE TABLE IF NOT EXISTS performance_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		model_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		task_id TEXT NOT NULL,
		latency_ms REAL NOT NULL,
		success BOOLEAN NOT NULL,
		quality_score REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_timestamp ON performance_records(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_model_id ON performance_records(model_id)`,

	`CREATE TABLE IF NOT EXISTS failover_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		original_model TEXT NOT NULL,
		alternative_model TEXT NOT NULL,
		reason TEXT NOT NULL,
		task_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_failover_timestamp ON failover_events(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_failover_original_model ON failover_events(original_model)`,
}

// Open opens or creates the database at path and applies the schema. Use
// ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %v", path, err)
	}

	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// without a retry loop.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %v", pragma, err)
		}
	}

	for _, statement := range schema {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %v", err)
		}
	}
	return db, nil
}
