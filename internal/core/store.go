package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

var (
	ErrNotFound       = errors.New("not_found")
	ErrNotCancellable = errors.New("not_cancellable")
)

const broadcastColumns = `id, user_id, channel, session_ref, body, media_url, status,
	total, sent, failed, delivered, read_count, cursor, cancel_requested,
	scheduled_at, started_at, finished_at, created_at`

func scanBroadcast(row pgx.Row) (Broadcast, error) {
	var b Broadcast
	err := row.Scan(&b.ID, &b.UserID, &b.Channel, &b.SessionRef, &b.Body, &b.MediaURL, &b.Status,
		&b.Total, &b.Sent, &b.Failed, &b.Delivered, &b.Read, &b.Cursor, &b.CancelRequested,
		&b.ScheduledAt, &b.StartedAt, &b.FinishedAt, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

type CreateBroadcastRequest struct {
	UserID     string
	Channel    Channel
	SessionRef string
	Body       string
	MediaURL   *string
	// Recipients is the resolved, deduplicated list; it is frozen as
	// broadcast_messages rows in the same transaction.
	Recipients  []string
	ScheduledAt *time.Time
}

func (s *Store) CreateBroadcast(ctx context.Context, r CreateBroadcastRequest) (Broadcast, error) {
	status := BroadcastPending
	if r.ScheduledAt != nil {
		status = BroadcastScheduled
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Broadcast{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := scanBroadcast(tx.QueryRow(ctx, `
		INSERT INTO broadcasts(user_id, channel, session_ref, body, media_url, status, total, scheduled_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+broadcastColumns,
		r.UserID, r.Channel, r.SessionRef, r.Body, r.MediaURL, status, len(r.Recipients), r.ScheduledAt))
	if err != nil {
		return Broadcast{}, err
	}

	batch := &pgx.Batch{}
	for i, rcpt := range r.Recipients {
		batch.Queue(`INSERT INTO broadcast_messages(broadcast_id, recipient, position) VALUES($1,$2,$3)`,
			b.ID, rcpt, i)
	}
	br := tx.SendBatch(ctx, batch)
	for range r.Recipients {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return Broadcast{}, fmt.Errorf("freeze recipients: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return Broadcast{}, err
	}
	return b, tx.Commit(ctx)
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (Broadcast, error) {
	return scanBroadcast(s.DB.QueryRow(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id=$1`, id))
}

// ClaimEligible flips up to limit eligible broadcasts to processing and
// returns them. SKIP LOCKED makes the claim exactly-once under concurrent
// scheduler instances.
func (s *Store) ClaimEligible(ctx context.Context, limit int) ([]Broadcast, error) {
	return s.claim(ctx, `
		UPDATE broadcasts SET status='processing', started_at=now()
		WHERE id IN (
			SELECT id FROM broadcasts
			WHERE status='pending' OR (status='scheduled' AND scheduled_at <= now())
			ORDER BY created_at
			LIMIT $1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+broadcastColumns, limit)
}

// ClaimResumable picks up broadcasts suspended by rate-limit backpressure
// whose retry deadline has passed.
func (s *Store) ClaimResumable(ctx context.Context, limit int) ([]Broadcast, error) {
	return s.claim(ctx, `
		UPDATE broadcasts SET resume_at=NULL
		WHERE id IN (
			SELECT id FROM broadcasts
			WHERE status='processing' AND resume_at IS NOT NULL AND resume_at <= now()
			ORDER BY resume_at
			LIMIT $1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+broadcastColumns, limit)
}

// ReclaimStale recovers broadcasts left in processing by a crashed worker.
// Intended for startup only: a broadcast actively dispatched by a live
// worker has either a fresh started_at or a resume_at set.
func (s *Store) ReclaimStale(ctx context.Context, limit int, olderThan time.Duration) ([]Broadcast, error) {
	return s.claim(ctx, `
		UPDATE broadcasts SET started_at=now()
		WHERE id IN (
			SELECT id FROM broadcasts
			WHERE status='processing' AND resume_at IS NULL AND started_at < now() - $2::interval
			ORDER BY started_at
			LIMIT $1 FOR UPDATE SKIP LOCKED
		)
		RETURNING `+broadcastColumns, limit, olderThan.String())
}

func (s *Store) claim(ctx context.Context, query string, args ...any) ([]Broadcast, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SuspendBroadcast persists the resume cursor and deadline after a
// rate-limit denial. The broadcast stays in processing; the scheduler
// re-claims it once resume_at passes.
func (s *Store) SuspendBroadcast(ctx context.Context, id string, cursor int, resumeAt time.Time) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE broadcasts SET cursor=$2, resume_at=$3 WHERE id=$1 AND status='processing'`,
		id, cursor, resumeAt)
	return err
}

func (s *Store) CompleteBroadcast(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE broadcasts SET status='completed', finished_at=now(), resume_at=NULL, cursor=total
		 WHERE id=$1 AND status='processing'`, id)
	return err
}

func (s *Store) FailBroadcast(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE broadcasts SET status='failed', finished_at=now(), resume_at=NULL
		 WHERE id=$1 AND status='processing'`, id)
	return err
}

// CancelBroadcast cancels a pending/scheduled broadcast outright. Once
// processing has started it only flags the broadcast; the dispatcher
// observes the flag between recipients (best-effort cancellation).
func (s *Store) CancelBroadcast(ctx context.Context, id string) (BroadcastStatus, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status BroadcastStatus
	err = tx.QueryRow(ctx, `SELECT status FROM broadcasts WHERE id=$1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	switch status {
	case BroadcastPending, BroadcastScheduled:
		_, err = tx.Exec(ctx,
			`UPDATE broadcasts SET status='cancelled', finished_at=now() WHERE id=$1`, id)
		status = BroadcastCancelled
	case BroadcastProcessing:
		_, err = tx.Exec(ctx,
			`UPDATE broadcasts SET cancel_requested=true WHERE id=$1`, id)
	default:
		return status, ErrNotCancellable
	}
	if err != nil {
		return "", err
	}
	return status, tx.Commit(ctx)
}

// MarkCancelled finalizes a best-effort cancellation observed mid-dispatch.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE broadcasts SET status='cancelled', finished_at=now(), resume_at=NULL
		 WHERE id=$1 AND status='processing'`, id)
	return err
}

// BroadcastFlags is the cheap per-recipient liveness check used by the
// dispatcher between sends.
func (s *Store) BroadcastFlags(ctx context.Context, id string) (BroadcastStatus, bool, error) {
	var status BroadcastStatus
	var cancel bool
	err := s.DB.QueryRow(ctx,
		`SELECT status, cancel_requested FROM broadcasts WHERE id=$1`, id).Scan(&status, &cancel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	return status, cancel, err
}
