package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"ipsentry/internal/model"
)

// DefaultIdentity is used for events that carry no source address.
const DefaultIdentity = "0.0.0.0"

// WireEvent is an already-normalized event as it arrives over HTTP or Kafka.
type WireEvent struct {
	EventID   string         `json:"event_id" validate:"omitempty,max=128"`
	Timestamp string         `json:"ts" validate:"required"`
	SourceIP  string         `json:"source_ip" validate:"omitempty,max=255"`
	Outcome   string         `json:"outcome" validate:"omitempty,max=32"`
	User      *string        `json:"user" validate:"omitempty,max=255"`
	DestPort  *int           `json:"dest_port" validate:"omitempty,min=0,max=65535"`
	Protocol  string         `json:"protocol" validate:"omitempty,max=32"`
	Service   string         `json:"service" validate:"omitempty,max=128"`
	Metadata  map[string]any `json:"metadata"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Keys accepted as aliases of the canonical wire fields.
var (
	timestampKeys = []string{"ts", "timestamp", "time", "@timestamp"}
	identityKeys  = []string{"source_ip", "src_ip", "ip", "identity"}
	outcomeKeys   = []string{"outcome", "result", "status"}
	userKeys      = []string{"user", "username", "user_name"}
	portKeys      = []string{"dest_port", "dst_port", "dport", "port"}
)

// FromMap lifts a decoded JSON object into a WireEvent. Unknown keys are
// kept in Metadata.
func FromMap(raw map[string]any) (WireEvent, error) {
	var w WireEvent
	used := make(map[string]bool)
	take := func(keys []string) (any, bool) {
		for _, k := range keys {
			if v, ok := raw[k]; ok && v != nil {
				used[k] = true
				return v, true
			}
		}
		for _, k := range keys {
			used[k] = true
		}
		return nil, false
	}

	if v, ok := take([]string{"event_id", "id"}); ok {
		w.EventID = stringify(v)
	}
	if v, ok := take(timestampKeys); ok {
		w.Timestamp = stringify(v)
	}
	if v, ok := take(identityKeys); ok {
		w.SourceIP = stringify(v)
	}
	if v, ok := take(outcomeKeys); ok {
		w.Outcome = stringify(v)
	}
	if v, ok := take(userKeys); ok {
		s := stringify(v)
		w.User = &s
	}
	if v, ok := take(portKeys); ok {
		port, err := toInt(v)
		if err != nil {
			return WireEvent{}, fmt.Errorf("dest_port: %w", err)
		}
		w.DestPort = &port
	}
	if v, ok := take([]string{"protocol", "proto"}); ok {
		w.Protocol = stringify(v)
	}
	if v, ok := take([]string{"service"}); ok {
		w.Service = stringify(v)
	}
	if v, ok := take([]string{"metadata"}); ok {
		if m, isMap := v.(map[string]any); isMap {
			w.Metadata = m
		}
	}
	for k, v := range raw {
		if used[k] {
			continue
		}
		if w.Metadata == nil {
			w.Metadata = make(map[string]any)
		}
		w.Metadata[k] = v
	}
	return w, nil
}

// Event validates the wire form and converts it to a model.Event.
func (w WireEvent) Event() (model.Event, error) {
	if err := validate.Struct(w); err != nil {
		return model.Event{}, err
	}
	ts, err := ParseTimestamp(w.Timestamp, time.UTC)
	if err != nil {
		return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}
	outcome, err := ParseOutcome(w.Outcome)
	if err != nil {
		return model.Event{}, err
	}
	identity := strings.TrimSpace(w.SourceIP)
	if identity == "" {
		identity = DefaultIdentity
	}
	id := strings.TrimSpace(w.EventID)
	if id == "" {
		id = uuid.NewString()
	}
	var user *string
	if w.User != nil {
		if u := strings.TrimSpace(*w.User); u != "" {
			user = &u
		}
	}
	return model.Event{
		EventID:   id,
		Timestamp: ts.UTC(),
		Identity:  identity,
		Outcome:   outcome,
		User:      user,
		DestPort:  w.DestPort,
		Protocol:  strings.ToLower(strings.TrimSpace(w.Protocol)),
		Service:   strings.TrimSpace(w.Service),
		Metadata:  w.Metadata,
	}, nil
}

// ParseOutcome maps outcome aliases onto the four canonical outcomes. An
// empty value is a success; anything unrecognized is an error.
func ParseOutcome(value string) (model.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "success", "ok", "allow", "allowed", "accepted", "accept", "granted", "pass":
		return model.OutcomeSuccess, nil
	case "failure", "failed", "fail", "reject", "rejected", "invalid":
		return model.OutcomeFailure, nil
	case "blocked", "block", "deny", "denied", "drop", "dropped":
		return model.OutcomeBlocked, nil
	case "error", "err", "timeout":
		return model.OutcomeError, nil
	}
	return "", fmt.Errorf("unknown outcome %q", value)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04:05.000000-07:00",
}

// ParseTimestamp accepts ISO-8601 variants and unix seconds or milliseconds.
// Values without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return int(n), err
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("unsupported port value %v", v)
	}
}
