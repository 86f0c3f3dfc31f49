package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateRule(ctx context.Context, r AutoReplyRule) (int64, error) {
	var start, end *string
	var weekdays []int32
	if r.Hours != nil {
		start, end = &r.Hours.Start, &r.Hours.End
		for _, d := range r.Hours.Weekdays {
			weekdays = append(weekdays, int32(d))
		}
	}
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO auto_reply_rules(user_id, channel, session_ref, trigger_type, trigger_value,
			response, priority, is_active, hours_start, hours_end, hours_weekdays)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id`,
		r.UserID, r.Channel, r.SessionRef, r.TriggerType, r.TriggerValue,
		r.Response, r.Priority, r.IsActive, start, end, weekdays).Scan(&id)
	return id, err
}

// ActiveRules loads the active rule set for one session, priority first.
// The matcher re-checks activity and business hours; this is the snapshot
// it evaluates against.
func (s *Store) ActiveRules(ctx context.Context, channel Channel, sessionRef string) ([]AutoReplyRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, channel, session_ref, trigger_type, trigger_value,
		       response, priority, is_active, hours_start, hours_end, hours_weekdays
		FROM auto_reply_rules
		WHERE channel=$1 AND session_ref=$2 AND is_active=true
		ORDER BY priority DESC, id`, channel, sessionRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *Store) ListRules(ctx context.Context, userID string) ([]AutoReplyRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, channel, session_ref, trigger_type, trigger_value,
		       response, priority, is_active, hours_start, hours_end, hours_weekdays
		FROM auto_reply_rules
		WHERE user_id=$1
		ORDER BY priority DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]AutoReplyRule, error) {
	var out []AutoReplyRule
	for rows.Next() {
		var r AutoReplyRule
		var start, end *string
		var weekdays []int32
		if err := rows.Scan(&r.ID, &r.UserID, &r.Channel, &r.SessionRef, &r.TriggerType, &r.TriggerValue,
			&r.Response, &r.Priority, &r.IsActive, &start, &end, &weekdays); err != nil {
			return nil, err
		}
		if start != nil && end != nil {
			h := &BusinessHours{Start: *start, End: *end}
			for _, d := range weekdays {
				h.Weekdays = append(h.Weekdays, time.Weekday(d))
			}
			r.Hours = h
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
