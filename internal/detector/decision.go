package detector

import (
	"fmt"
	"sort"
	"time"

	"ipsentry/internal/model"
	"ipsentry/internal/outlier"
)

const outlierReason = "anomalous by outlier model"

type hardRule struct {
	FailRatio float64
	FailMin   int
}

// Matches applies both thresholds inclusively.
func (h hardRule) Matches(row model.FeatureRow) bool {
	return row.RecentFailRatio >= h.FailRatio && row.RecentFailed >= h.FailMin
}

func hardRuleReason(row model.FeatureRow) string {
	return fmt.Sprintf("too many failed logins in window (recent_failed=%d, recent_fail_ratio=%.2f)",
		row.RecentFailed, row.RecentFailRatio)
}

// decide builds the output table and the actions for one scoring pass. preds
// is nil when the model is unfit, in which case no actions are produced.
func decide(rows []model.FeatureRow, preds []outlier.Prediction, rule hardRule, now time.Time) ([]model.ScoreRow, []model.Action) {
	table := make([]model.ScoreRow, 0, len(rows))
	var actions []model.Action
	for i, row := range rows {
		out := model.ScoreRow{
			Identity:        row.Identity,
			RecentFailed:    row.RecentFailed,
			RecentEvents:    row.RecentEvents,
			RecentFailRatio: row.RecentFailRatio,
		}
		if preds == nil {
			table = append(table, out)
			continue
		}
		p := preds[i]
		score := p.Score
		label := p.Label()
		out.Score = &score
		out.Prediction = &label
		table = append(table, out)

		var kind model.ActionKind
		var reason string
		switch {
		case rule.Matches(row):
			kind, reason = model.ActionBlock, hardRuleReason(row)
		case p.Outlier:
			kind, reason = model.ActionFlag, outlierReason
		default:
			continue
		}
		actions = append(actions, model.Action{
			Timestamp:       now,
			Kind:            kind,
			Identity:        row.Identity,
			Score:           &score,
			RecentFailed:    row.RecentFailed,
			RecentEvents:    row.RecentEvents,
			RecentFailRatio: row.RecentFailRatio,
			Features:        row,
			Reason:          reason,
		})
	}
	sortTable(table)
	return table, actions
}

// sortTable orders rows by ascending score with null scores last. Ties keep
// their input order.
func sortTable(table []model.ScoreRow) {
	sort.SliceStable(table, func(i, j int) bool {
		a, b := table[i].Score, table[j].Score
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}
