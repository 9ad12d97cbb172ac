package store

import (
	"context"
)

// RecordingRule mirrors a cloud recording rule. The cloud is authoritative,
// this table is a read cache reconciled after every mutation.
type RecordingRule struct {
	RecordingRuleID          string
	SeriesID                 string
	Title                    string
	Synopsis                 string
	ImageURL                 string
	ChannelOnly              string
	TeamOnly                 string
	RecentOnly               bool
	AfterOriginalAirdateOnly int64
	DateTimeOnly             int64
	Priority                 int
	StartPadding             int
	EndPadding               int
}

// ReplaceRecordingRules swaps the cached rule set for the given one in a
// single transaction.
func (s *Store) ReplaceRecordingRules(ctx context.Context, rules []RecordingRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recording_rules`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO recording_rules (recording_rule_id, series_id, title, synopsis, image_url,
		channel_only, team_only, recent_only, after_original_airdate_only, date_time_only,
		priority, start_padding, end_padding)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rules {
		if _, err := stmt.ExecContext(ctx, r.RecordingRuleID, r.SeriesID, r.Title,
			r.Synopsis, r.ImageURL, r.ChannelOnly, r.TeamOnly, boolInt(r.RecentOnly),
			r.AfterOriginalAirdateOnly, r.DateTimeOnly, r.Priority,
			r.StartPadding, r.EndPadding); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRecordingRules returns the cached rules by priority.
func (s *Store) ListRecordingRules(ctx context.Context) ([]RecordingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT recording_rule_id, series_id, title, synopsis, image_url,
		channel_only, team_only, recent_only, after_original_airdate_only, date_time_only,
		priority, start_padding, end_padding
	FROM recording_rules ORDER BY priority, recording_rule_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordingRule
	for rows.Next() {
		var r RecordingRule
		var recent int
		if err := rows.Scan(&r.RecordingRuleID, &r.SeriesID, &r.Title, &r.Synopsis,
			&r.ImageURL, &r.ChannelOnly, &r.TeamOnly, &recent,
			&r.AfterOriginalAirdateOnly, &r.DateTimeOnly, &r.Priority,
			&r.StartPadding, &r.EndPadding); err != nil {
			return nil, err
		}
		r.RecentOnly = recent != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRecordingRule drops one cached rule.
func (s *Store) DeleteRecordingRule(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM recording_rules WHERE recording_rule_id = ?`, ruleID)
	return err
}
