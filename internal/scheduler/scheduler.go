// Package scheduler owns the broadcast lifecycle poll: it claims
// eligible and resumable broadcasts and hands them to the dispatch
// engine. Claims are conditional state transitions, so any number of
// scheduler instances can run side by side.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/metrics"
)

type Store interface {
	ClaimEligible(ctx context.Context, limit int) ([]core.Broadcast, error)
	ClaimResumable(ctx context.Context, limit int) ([]core.Broadcast, error)
	ReclaimStale(ctx context.Context, limit int, olderThan time.Duration) ([]core.Broadcast, error)
}

type Engine interface {
	Submit(b core.Broadcast)
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration // processing age treated as a crashed worker at startup
}

type Scheduler struct {
	store  Store
	engine Engine
	opt    Options
	log    zerolog.Logger
}

func New(store Store, engine Engine, opt Options, log zerolog.Logger) *Scheduler {
	if opt.PollInterval <= 0 {
		opt.PollInterval = 2 * time.Second
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 20
	}
	if opt.BackoffMin <= 0 {
		opt.BackoffMin = 200 * time.Millisecond
	}
	if opt.BackoffMax <= 0 {
		opt.BackoffMax = 5 * time.Second
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 5 * time.Minute
	}
	return &Scheduler{store: store, engine: engine, opt: opt, log: log.With().Str("component", "scheduler").Logger()}
}

// Run polls until the context ends. On startup it first reclaims
// broadcasts a crashed worker left in processing; the persisted cursor
// makes the re-dispatch idempotent.
func (s *Scheduler) Run(ctx context.Context) error {
	stale, err := s.store.ReclaimStale(ctx, s.opt.BatchSize, s.opt.StaleAfter)
	if err != nil {
		s.log.Warn().Err(err).Msg("stale reclaim failed")
	}
	for _, b := range stale {
		s.log.Info().Str("broadcast", b.ID).Int("cursor", b.Cursor).Msg("resuming orphaned broadcast")
		s.engine.Submit(b)
	}

	backoff := s.opt.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opt.PollInterval):
		}

		n, err := s.pollOnce(ctx)
		if err != nil {
			sleep := jitter(backoff, 0.20)
			s.log.Warn().Err(err).Dur("backoff", sleep).Msg("claim error")
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			backoff = minDur(s.opt.BackoffMax, time.Duration(float64(backoff)*1.6))
			continue
		}
		backoff = s.opt.BackoffMin

		if n == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
		} else {
			metrics.ClaimTotal.WithLabelValues("ok").Inc()
			metrics.ClaimBatchSize.Observe(float64(n))
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) (int, error) {
	eligible, err := s.store.ClaimEligible(ctx, s.opt.BatchSize)
	if err != nil {
		return 0, err
	}
	resumable, err := s.store.ClaimResumable(ctx, s.opt.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, b := range eligible {
		s.log.Info().Str("broadcast", b.ID).Str("session", b.SessionKey()).Int("total", b.Total).Msg("broadcast claimed")
		s.engine.Submit(b)
	}
	for _, b := range resumable {
		s.log.Info().Str("broadcast", b.ID).Int("cursor", b.Cursor).Msg("broadcast resumed")
		s.engine.Submit(b)
	}
	return len(eligible) + len(resumable), nil
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
