package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// PendingRecipients returns the still-queued slice of the frozen recipient
// list, from the given cursor onward, in resolved order.
func (s *Store) PendingRecipients(ctx context.Context, broadcastID string, fromPos int) ([]BroadcastMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT broadcast_id, recipient, position, status, provider_message_id, error_text, sent_at, delivered_at, read_at
		FROM broadcast_messages
		WHERE broadcast_id=$1 AND status='queued' AND position >= $2
		ORDER BY position`, broadcastID, fromPos)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) ListMessages(ctx context.Context, broadcastID string) ([]BroadcastMessage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT broadcast_id, recipient, position, status, provider_message_id, error_text, sent_at, delivered_at, read_at
		FROM broadcast_messages
		WHERE broadcast_id=$1
		ORDER BY position`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]BroadcastMessage, error) {
	var out []BroadcastMessage
	for rows.Next() {
		var m BroadcastMessage
		if err := rows.Scan(&m.BroadcastID, &m.Recipient, &m.Position, &m.Status,
			&m.ProviderMessageID, &m.ErrorText, &m.SentAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageSent records a successful send and bumps the aggregate
// counter plus the resume cursor. Guarded on status='queued' so a resumed
// dispatch can never double-count a recipient.
func (s *Store) MarkMessageSent(ctx context.Context, broadcastID, recipient, providerMsgID string) error {
	return s.markOutcome(ctx, broadcastID, recipient, MessageSent, &providerMsgID, nil)
}

// MarkMessageFailed records a per-recipient failure with its error text.
// The broadcast keeps going; failure is isolated to this recipient.
func (s *Store) MarkMessageFailed(ctx context.Context, broadcastID, recipient, errText string) error {
	return s.markOutcome(ctx, broadcastID, recipient, MessageFailed, nil, &errText)
}

func (s *Store) markOutcome(ctx context.Context, broadcastID, recipient string, status MessageStatus, providerMsgID, errText *string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var pos int
	err = tx.QueryRow(ctx, `
		UPDATE broadcast_messages
		SET status=$3, provider_message_id=COALESCE($4, provider_message_id),
		    error_text=$5, sent_at=CASE WHEN $3='sent' THEN now() ELSE sent_at END
		WHERE broadcast_id=$1 AND recipient=$2 AND status='queued'
		RETURNING position`, broadcastID, recipient, status, providerMsgID, errText).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already has an outcome (resume after crash), nothing to do.
		return tx.Commit(ctx)
	}
	if err != nil {
		return err
	}

	counter := "sent"
	if status == MessageFailed {
		counter = "failed"
	}
	_, err = tx.Exec(ctx, `
		UPDATE broadcasts SET `+counter+` = `+counter+` + 1, cursor = GREATEST(cursor, $2 + 1)
		WHERE id=$1`, broadcastID, pos)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyDeliveryEvent advances one message toward delivered/read and bumps
// the broadcast counters by the exact number of states crossed. Only
// forward moves apply; duplicates and regressions are absorbed as no-ops.
// A read event for a message the provider never confirmed as sent forces
// it through the implied intermediate states.
func (s *Store) ApplyDeliveryEvent(ctx context.Context, broadcastID, recipient string, target MessageStatus, at time.Time) (bool, error) {
	if target != MessageDelivered && target != MessageRead {
		return false, nil
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current MessageStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM broadcast_messages
		WHERE broadcast_id=$1 AND recipient=$2 FOR UPDATE`, broadcastID, recipient).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	dSent, dDelivered, dRead := deliverySteps(current, target)
	if dSent+dDelivered+dRead == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE broadcast_messages SET status=$3,
			sent_at=COALESCE(sent_at, $4),
			delivered_at=CASE WHEN $5 THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
			read_at=CASE WHEN $3='read' THEN COALESCE(read_at, $4) ELSE read_at END
		WHERE broadcast_id=$1 AND recipient=$2`,
		broadcastID, recipient, target, at, dDelivered > 0 || target == MessageRead)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE broadcasts SET sent=sent+$2, delivered=delivered+$3, read_count=read_count+$4
		WHERE id=$1`, broadcastID, dSent, dDelivered, dRead)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// deliverySteps computes counter increments for a forward move from
// current to target. Zero deltas mean the event is stale or a duplicate.
func deliverySteps(current, target MessageStatus) (dSent, dDelivered, dRead int) {
	rank := map[MessageStatus]int{MessageQueued: 0, MessageSent: 1, MessageDelivered: 2, MessageRead: 3}
	cur, okCur := rank[current]
	tgt, okTgt := rank[target]
	if !okCur || !okTgt || tgt <= cur {
		return 0, 0, 0 // failed is terminal; duplicates are no-ops
	}
	if cur < 1 && tgt >= 1 {
		dSent = 1
	}
	if cur < 2 && tgt >= 2 {
		dDelivered = 1
	}
	if cur < 3 && tgt >= 3 {
		dRead = 1
	}
	return
}

// LocateByProviderMessageID maps a webhook's provider message id back to
// its (broadcast, recipient) pair. Fallback path when the Redis index has
// no entry.
func (s *Store) LocateByProviderMessageID(ctx context.Context, providerMsgID string) (broadcastID, recipient string, err error) {
	err = s.DB.QueryRow(ctx, `
		SELECT broadcast_id, recipient FROM broadcast_messages
		WHERE provider_message_id=$1
		ORDER BY sent_at DESC NULLS LAST LIMIT 1`, providerMsgID).Scan(&broadcastID, &recipient)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return broadcastID, recipient, err
}
