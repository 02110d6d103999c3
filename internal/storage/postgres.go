package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, maxOpen, maxIdle int) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/ipsentry?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &postgresStore{baseStore{
		db:      db,
		schema:  postgresSchema,
		rebind:  rebindDollar,
		timeArg: func(t time.Time) any { return t.UTC() },
	}}, nil
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(q string) string {
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		ts TIMESTAMPTZ NOT NULL,
		identity TEXT NOT NULL,
		outcome TEXT NOT NULL,
		user_name TEXT,
		dest_port INTEGER,
		protocol TEXT,
		service TEXT,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_identity ON events(identity)`,
	`CREATE TABLE IF NOT EXISTS features (
		ts TIMESTAMPTZ NOT NULL,
		identity TEXT NOT NULL,
		recent_events INTEGER NOT NULL,
		recent_failed INTEGER NOT NULL,
		recent_success INTEGER NOT NULL,
		recent_fail_ratio DOUBLE PRECISION NOT NULL,
		unique_users INTEGER NOT NULL,
		unique_dports INTEGER NOT NULL,
		burst_60s_max INTEGER NOT NULL,
		inter_mean DOUBLE PRECISION NOT NULL,
		inter_std DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, identity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_features_identity ON features(identity)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		identity TEXT NOT NULL,
		score DOUBLE PRECISION,
		recent_failed INTEGER NOT NULL,
		recent_events INTEGER NOT NULL,
		recent_fail_ratio DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL,
		features_json JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_identity ON actions(identity)`,
}
