package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ipsentry/internal/config"
	"ipsentry/internal/model"
)

var ErrUnavailable = errors.New("storage unavailable")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvents(ctx context.Context, events []model.Event) error
	SaveFeatures(ctx context.Context, ts time.Time, rows []model.FeatureRow) error
	SaveActions(ctx context.Context, actions []model.Action) error
	LoadFeatures(ctx context.Context, q FeatureQuery) ([]model.FeatureRow, error)
	Purge(ctx context.Context, p PurgePolicy) (model.PurgeResult, error)
}

// FeatureQuery selects persisted feature rows, newest first. Zero times are
// open bounds; Limit <= 0 means no cap.
type FeatureQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// PurgePolicy describes one retention pass. Rows older than Keep are deleted,
// except security-relevant rows which survive until Extended.
type PurgePolicy struct {
	Keep        time.Duration
	Extended    time.Duration
	SevereScore float64
	Now         time.Time
}

// Outcomes whose events are kept for the extended horizon.
var retainedOutcomes = []string{"failure", "failed", "blocked", "error", "deny", "denied"}

// NewStore returns a lazily connected store, or nil when storage is disabled.
// The connection pool is only established on first use.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var open func() (Store, error)
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		open = func() (Store, error) { return NewSQLite(cfg.DSN) }
	case "postgres", "postgresql":
		open = func() (Store, error) { return NewPostgres(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns) }
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	return newLazy(open), nil
}

type baseStore struct {
	db      *sql.DB
	schema  []string
	rebind  func(string) string
	timeArg func(time.Time) any
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveEvents(ctx context.Context, events []model.Event) error {
	if b.db == nil || len(events) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO events (event_id, ts, identity, outcome, user_name, dest_port, protocol, service, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		var user, port any
		if ev.User != nil {
			user = *ev.User
		}
		if ev.DestPort != nil {
			port = int64(*ev.DestPort)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.EventID,
			b.timeArg(ev.Timestamp),
			ev.Identity,
			string(ev.Outcome),
			user,
			port,
			ev.Protocol,
			ev.Service,
			encodeJSON(ev.Metadata),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveFeatures(ctx context.Context, ts time.Time, rows []model.FeatureRow) error {
	if b.db == nil || len(rows) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO features (ts, identity, recent_events, recent_failed, recent_success, recent_fail_ratio,
			unique_users, unique_dports, burst_60s_max, inter_mean, inter_std)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts, identity) DO UPDATE SET
			recent_events = excluded.recent_events,
			recent_failed = excluded.recent_failed,
			recent_success = excluded.recent_success,
			recent_fail_ratio = excluded.recent_fail_ratio,
			unique_users = excluded.unique_users,
			unique_dports = excluded.unique_dports,
			burst_60s_max = excluded.burst_60s_max,
			inter_mean = excluded.inter_mean,
			inter_std = excluded.inter_std`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			b.timeArg(ts),
			r.Identity,
			r.RecentEvents,
			r.RecentFailed,
			r.RecentSuccess,
			r.RecentFailRatio,
			r.UniqueUsers,
			r.UniqueDestPorts,
			r.Burst60sMax,
			r.InterMean,
			r.InterStd,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveActions(ctx context.Context, actions []model.Action) error {
	if b.db == nil || len(actions) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO actions (ts, kind, identity, score, recent_failed, recent_events, recent_fail_ratio, reason, features_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, a := range actions {
		var score any
		if a.Score != nil {
			score = *a.Score
		}
		if _, err := stmt.ExecContext(ctx,
			b.timeArg(a.Timestamp),
			string(a.Kind),
			a.Identity,
			score,
			a.RecentFailed,
			a.RecentEvents,
			a.RecentFailRatio,
			a.Reason,
			encodeJSON(a.Features),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) LoadFeatures(ctx context.Context, q FeatureQuery) ([]model.FeatureRow, error) {
	if b.db == nil {
		return nil, nil
	}
	query := `SELECT identity, recent_events, recent_failed, recent_success, recent_fail_ratio,
		unique_users, unique_dports, burst_60s_max, inter_mean, inter_std
		FROM features`
	var where []string
	var args []any
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, b.timeArg(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, b.timeArg(q.Until))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.FeatureRow
	for rows.Next() {
		var r model.FeatureRow
		if err := rows.Scan(
			&r.Identity,
			&r.RecentEvents,
			&r.RecentFailed,
			&r.RecentSuccess,
			&r.RecentFailRatio,
			&r.UniqueUsers,
			&r.UniqueDestPorts,
			&r.Burst60sMax,
			&r.InterMean,
			&r.InterStd,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) Purge(ctx context.Context, p PurgePolicy) (model.PurgeResult, error) {
	res := model.PurgeResult{ExtendedRetention: p.Extended.String()}
	if b.db == nil {
		return res, nil
	}
	now := p.Now
	if now.IsZero() {
		now = nowUTC()
	}
	cutoff := b.timeArg(now.Add(-p.Keep))
	extCutoff := b.timeArg(now.Add(-p.Extended))

	outcomes := make([]any, len(retainedOutcomes))
	marks := make([]string, len(retainedOutcomes))
	for i, o := range retainedOutcomes {
		outcomes[i] = o
		marks[i] = "?"
	}
	inOutcomes := "(" + strings.Join(marks, ", ") + ")"
	severe := "(kind = 'block' OR (score IS NOT NULL AND score <= ?))"

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	steps := []struct {
		query string
		args  []any
		dest  *int64
	}{
		{`DELETE FROM events WHERE ts < ? AND outcome NOT IN ` + inOutcomes, append([]any{cutoff}, outcomes...), &res.EventsDeleted},
		{`DELETE FROM features WHERE ts < ?`, []any{cutoff}, &res.FeaturesDeleted},
		{`DELETE FROM actions WHERE ts < ? AND NOT ` + severe, []any{cutoff, p.SevereScore}, &res.ActionsDeleted},
		{`DELETE FROM events WHERE ts < ? AND outcome IN ` + inOutcomes, append([]any{extCutoff}, outcomes...), &res.OldErrorsDeleted},
		{`DELETE FROM actions WHERE ts < ? AND ` + severe, []any{extCutoff, p.SevereScore}, &res.OldAnomaliesDeleted},
	}
	for _, step := range steps {
		r, err := tx.ExecContext(ctx, b.rebind(step.query), step.args...)
		if err != nil {
			_ = tx.Rollback()
			return model.PurgeResult{ExtendedRetention: res.ExtendedRetention}, err
		}
		n, err := r.RowsAffected()
		if err == nil {
			*step.dest = n
		}
	}
	if err := tx.Commit(); err != nil {
		return model.PurgeResult{ExtendedRetention: res.ExtendedRetention}, err
	}
	return res, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
