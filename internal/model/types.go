package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Event is a normalized security event. Identity is usually the source IP.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"ts"`
	Identity  string         `json:"source_ip"`
	Outcome   Outcome        `json:"outcome"`
	User      *string        `json:"user,omitempty"`
	DestPort  *int           `json:"dest_port,omitempty"`
	Protocol  string         `json:"protocol,omitempty"`
	Service   string         `json:"service,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FeatureRow is a behavioral snapshot of one identity's window.
type FeatureRow struct {
	Identity        string  `json:"ip,omitempty"`
	RecentEvents    int     `json:"recent_events"`
	RecentFailed    int     `json:"recent_failed"`
	RecentSuccess   int     `json:"recent_success"`
	RecentFailRatio float64 `json:"recent_fail_ratio"`
	UniqueUsers     int     `json:"unique_users"`
	UniqueDestPorts int     `json:"unique_dports"`
	Burst60sMax     int     `json:"burst_60s_max"`
	InterMean       float64 `json:"inter_mean"`
	InterStd        float64 `json:"inter_std"`
}

// Feature names used by the vectorizer.
const (
	FeatureRecentEvents    = "recent_events"
	FeatureRecentFailed    = "recent_failed"
	FeatureRecentSuccess   = "recent_success"
	FeatureRecentFailRatio = "recent_fail_ratio"
	FeatureUniqueUsers     = "unique_users"
	FeatureUniqueDestPorts = "unique_dports"
	FeatureBurst60sMax     = "burst_60s_max"
	FeatureInterMean       = "inter_mean"
	FeatureInterStd        = "inter_std"
)

// Fields returns the named numeric fields of the row. Identity is not a feature.
func (r FeatureRow) Fields() map[string]float64 {
	return map[string]float64{
		FeatureRecentEvents:    float64(r.RecentEvents),
		FeatureRecentFailed:    float64(r.RecentFailed),
		FeatureRecentSuccess:   float64(r.RecentSuccess),
		FeatureRecentFailRatio: r.RecentFailRatio,
		FeatureUniqueUsers:     float64(r.UniqueUsers),
		FeatureUniqueDestPorts: float64(r.UniqueDestPorts),
		FeatureBurst60sMax:     float64(r.Burst60sMax),
		FeatureInterMean:       r.InterMean,
		FeatureInterStd:        r.InterStd,
	}
}

// Anonymous returns a copy of the row with the identity stripped.
func (r FeatureRow) Anonymous() FeatureRow {
	r.Identity = ""
	return r
}

type ActionKind string

const (
	ActionFlag  ActionKind = "flag"
	ActionBlock ActionKind = "block"
)

// Severity maps an action kind to the export severity tag.
func (k ActionKind) Severity() string {
	if k == ActionBlock {
		return "high"
	}
	return "medium"
}

type Action struct {
	Timestamp       time.Time  `json:"ts"`
	Kind            ActionKind `json:"action"`
	Identity        string     `json:"ip"`
	Score           *float64   `json:"score"`
	RecentFailed    int        `json:"recent_failed"`
	RecentEvents    int        `json:"recent_events"`
	RecentFailRatio float64    `json:"recent_fail_ratio"`
	Features        FeatureRow `json:"features"`
	Reason          string     `json:"reason"`
}

// Prediction labels, matching the usual isolation forest convention.
const (
	PredictionOutlier = -1
	PredictionInlier  = 1
)

type ScoreRow struct {
	Identity        string   `json:"ip"`
	RecentFailed    int      `json:"recent_failed"`
	RecentEvents    int      `json:"recent_events"`
	RecentFailRatio float64  `json:"recent_fail_ratio"`
	Score           *float64 `json:"score"`
	Prediction      *int     `json:"prediction"`
}

type ScoreResult struct {
	TotalEvents    int        `json:"total_events"`
	Trained        bool       `json:"trained"`
	ActionsWritten int        `json:"actions_written"`
	Table          []ScoreRow `json:"top_table"`
	Actions        []Action   `json:"-"`
}

type TrainResult struct {
	Trained  bool `json:"trained"`
	RowsUsed int  `json:"rows_used"`
}

type PurgeResult struct {
	EventsDeleted       int64  `json:"events_deleted"`
	FeaturesDeleted     int64  `json:"features_deleted"`
	ActionsDeleted      int64  `json:"actions_deleted"`
	OldErrorsDeleted    int64  `json:"old_errors_deleted"`
	OldAnomaliesDeleted int64  `json:"old_anomalies_deleted"`
	ExtendedRetention   string `json:"extended_retention"`
}

// IdentitySnapshot is the latest scored view of one identity.
type IdentitySnapshot struct {
	Features   FeatureRow `json:"features"`
	Score      *float64   `json:"score"`
	Prediction *int       `json:"prediction"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
