// Package ratelimit enforces per-session anti-spam send quotas: a fixed
// hourly window, a daily counter and a cooldown penalty on breach.
// Providers silently degrade accounts that burst-send; the cooldown
// keeps a denied session from busy-polling its way into a ban.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Caps struct {
	Hourly    int
	Daily     int
	Retention time.Duration // how long stale hour buckets are kept
}

// State is the persisted quota state for one session key.
type State struct {
	HourlyBuckets map[int64]int `json:"hourly_buckets"` // unix hour start -> sends
	DayKey        string        `json:"day_key"`
	SentToday     int           `json:"sent_today"`
	CooldownUntil time.Time     `json:"cooldown_until"`
}

// StateStore persists session state across restarts. Load returns
// (nil, nil) for a session never seen before.
type StateStore interface {
	Load(ctx context.Context, sessionKey string) (*State, error)
	Save(ctx context.Context, sessionKey string, st State) error
}

type session struct {
	mu     sync.Mutex
	st     State
	loaded bool
}

type Limiter struct {
	caps  Caps
	store StateStore // optional
	log   zerolog.Logger

	mu       sync.Mutex // guards the sessions map only, never held during a check
	sessions map[string]*session
}

func New(caps Caps, store StateStore, log zerolog.Logger) *Limiter {
	if caps.Retention <= 0 {
		caps.Retention = 24 * time.Hour
	}
	return &Limiter{
		caps:     caps,
		store:    store,
		log:      log.With().Str("component", "ratelimit").Logger(),
		sessions: make(map[string]*session),
	}
}

// TryReserve atomically checks the session's quota and, if allowed,
// consumes one send from it. On denial retryAfter says how long until
// the next send can possibly succeed.
func (l *Limiter) TryReserve(ctx context.Context, sessionKey string, now time.Time) (bool, time.Duration) {
	s := l.session(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	l.hydrate(ctx, sessionKey, s)
	st := &s.st

	if day := dayKey(now); st.DayKey != day {
		st.DayKey = day
		st.SentToday = 0
	}

	if st.CooldownUntil.After(now) {
		return false, st.CooldownUntil.Sub(now)
	}

	hour := now.Truncate(time.Hour).Unix()
	if l.caps.Hourly > 0 && st.HourlyBuckets[hour] >= l.caps.Hourly {
		boundary := now.Truncate(time.Hour).Add(time.Hour)
		st.CooldownUntil = boundary
		l.save(ctx, sessionKey, *st)
		return false, boundary.Sub(now)
	}
	if l.caps.Daily > 0 && st.SentToday >= l.caps.Daily {
		boundary := nextDay(now)
		st.CooldownUntil = boundary
		l.save(ctx, sessionKey, *st)
		return false, boundary.Sub(now)
	}

	if st.HourlyBuckets == nil {
		st.HourlyBuckets = make(map[int64]int)
	}
	st.HourlyBuckets[hour]++
	st.SentToday++
	l.save(ctx, sessionKey, *st)
	return true, 0
}

// EvictStale drops hour buckets older than the retention window and
// clears expired cooldowns. Run periodically; buckets are otherwise only
// ignored lazily, never purged.
func (l *Limiter) EvictStale(now time.Time) {
	l.mu.Lock()
	keys := make([]string, 0, len(l.sessions))
	for k := range l.sessions {
		keys = append(keys, k)
	}
	l.mu.Unlock()

	horizon := now.Add(-l.caps.Retention).Truncate(time.Hour).Unix()
	for _, k := range keys {
		s := l.session(k)
		s.mu.Lock()
		for h := range s.st.HourlyBuckets {
			if h < horizon {
				delete(s.st.HourlyBuckets, h)
			}
		}
		if !s.st.CooldownUntil.IsZero() && !s.st.CooldownUntil.After(now) {
			s.st.CooldownUntil = time.Time{}
		}
		s.mu.Unlock()
	}
}

func (l *Limiter) session(key string) *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[key]
	if !ok {
		s = &session{}
		l.sessions[key] = s
	}
	return s
}

// hydrate pulls persisted state the first time a session is touched after
// process start. Caller holds the session lock.
func (l *Limiter) hydrate(ctx context.Context, key string, s *session) {
	if s.loaded || l.store == nil {
		s.loaded = true
		return
	}
	s.loaded = true
	st, err := l.store.Load(ctx, key)
	if err != nil {
		l.log.Warn().Err(err).Str("session", key).Msg("rate limit state load failed, starting fresh")
		return
	}
	if st != nil {
		s.st = *st
	}
}

func (l *Limiter) save(ctx context.Context, key string, st State) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, key, st); err != nil {
		l.log.Warn().Err(err).Str("session", key).Msg("rate limit state save failed")
	}
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
