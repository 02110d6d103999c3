package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:ipsentry.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{
		db:      db,
		schema:  sqliteSchema,
		rebind:  func(q string) string { return q },
		timeArg: func(t time.Time) any { return t.UTC().UnixMicro() },
	}}, nil
}

// Timestamps are stored as unix microseconds so range predicates compare numerically.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		identity TEXT NOT NULL,
		outcome TEXT NOT NULL,
		user_name TEXT,
		dest_port INTEGER,
		protocol TEXT,
		service TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_identity ON events(identity)`,
	`CREATE TABLE IF NOT EXISTS features (
		ts INTEGER NOT NULL,
		identity TEXT NOT NULL,
		recent_events INTEGER NOT NULL,
		recent_failed INTEGER NOT NULL,
		recent_success INTEGER NOT NULL,
		recent_fail_ratio REAL NOT NULL,
		unique_users INTEGER NOT NULL,
		unique_dports INTEGER NOT NULL,
		burst_60s_max INTEGER NOT NULL,
		inter_mean REAL NOT NULL,
		inter_std REAL NOT NULL,
		PRIMARY KEY (ts, identity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_features_identity ON features(identity)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		identity TEXT NOT NULL,
		score REAL,
		recent_failed INTEGER NOT NULL,
		recent_events INTEGER NOT NULL,
		recent_fail_ratio REAL NOT NULL,
		reason TEXT NOT NULL,
		features_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_identity ON actions(identity)`,
}
