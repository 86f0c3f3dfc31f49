// Package dispatch fans a broadcast out to its resolved recipients, one
// active dispatcher per (channel, session) pair so rate-limit state is
// never contended by two loops for the same session.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/metrics"
	"github.com/blastware/broadcast-gateway/internal/provider"
	"github.com/blastware/broadcast-gateway/internal/ratelimit"
)

// Store is the slice of the persistence layer the dispatcher needs;
// *core.Store satisfies it.
type Store interface {
	PendingRecipients(ctx context.Context, broadcastID string, fromPos int) ([]core.BroadcastMessage, error)
	MarkMessageSent(ctx context.Context, broadcastID, recipient, providerMsgID string) error
	MarkMessageFailed(ctx context.Context, broadcastID, recipient, errText string) error
	SuspendBroadcast(ctx context.Context, id string, cursor int, resumeAt time.Time) error
	CompleteBroadcast(ctx context.Context, id string) error
	FailBroadcast(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string) error
	BroadcastFlags(ctx context.Context, id string) (core.BroadcastStatus, bool, error)
}

// MessageIndex records provider message id -> (broadcast, recipient) so
// webhook lookups avoid a table scan. Optional; losing an entry only
// costs the aggregator a SQL fallback.
type MessageIndex interface {
	Index(ctx context.Context, providerMsgID, broadcastID, recipient string) error
}

type Options struct {
	SendTimeout   time.Duration // per-send network timeout
	QueueDepth    int           // buffered broadcasts per session
	ProviderQPS   float64       // process-wide outbound smoothing
	ProviderBurst int
}

type Engine struct {
	store     Store
	providers *provider.Registry
	limiter   *ratelimit.Limiter
	index     MessageIndex
	smoother  *rate.Limiter
	opt       Options
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan core.Broadcast
}

func New(store Store, providers *provider.Registry, limiter *ratelimit.Limiter, index MessageIndex, opt Options, log zerolog.Logger) *Engine {
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 30 * time.Second
	}
	if opt.QueueDepth <= 0 {
		opt.QueueDepth = 16
	}
	if opt.ProviderQPS <= 0 {
		opt.ProviderQPS = 50
	}
	if opt.ProviderBurst <= 0 {
		opt.ProviderBurst = 10
	}
	return &Engine{
		store:     store,
		providers: providers,
		limiter:   limiter,
		index:     index,
		smoother:  rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst),
		opt:       opt,
		log:       log.With().Str("component", "dispatch").Logger(),
		queues:    make(map[string]chan core.Broadcast),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit hands a claimed broadcast to its session's dispatcher, spawning
// the dispatcher lazily. Broadcasts for different sessions run fully in
// parallel; within a session they are strictly serialized.
func (e *Engine) Submit(b core.Broadcast) {
	q := e.sessionQueue(b.SessionKey())
	select {
	case <-e.ctx.Done():
	case q <- b:
	}
}

func (e *Engine) sessionQueue(key string) chan core.Broadcast {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[key]
	if !ok {
		q = make(chan core.Broadcast, e.opt.QueueDepth)
		e.queues[key] = q
		e.wg.Add(1)
		go e.sessionLoop(key, q)
	}
	return q
}

func (e *Engine) sessionLoop(key string, q <-chan core.Broadcast) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case b := <-q:
			e.dispatch(e.ctx, b)
		}
	}
}

// dispatch walks the pending recipients in resolved order. It returns
// when the broadcast reaches a terminal state, is suspended on
// backpressure, or the engine shuts down (a later resume picks up from
// the persisted cursor either way).
func (e *Engine) dispatch(ctx context.Context, b core.Broadcast) {
	log := e.log.With().Str("broadcast", b.ID).Str("session", b.SessionKey()).Logger()

	client, err := e.providers.For(b.Channel)
	if err != nil {
		log.Error().Err(err).Msg("no channel client")
		_ = e.store.FailBroadcast(ctx, b.ID)
		metrics.BroadcastsFinished.WithLabelValues(string(core.BroadcastFailed)).Inc()
		return
	}

	pending, err := e.store.PendingRecipients(ctx, b.ID, b.Cursor)
	if err != nil {
		log.Error().Err(err).Msg("load pending recipients")
		return // still processing; stale reclaim will retry it
	}

	payload := provider.Payload{Body: b.Body}
	if b.MediaURL != nil {
		payload.MediaURL = *b.MediaURL
	}
	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		if stop := e.checkFlags(ctx, b.ID, log); stop {
			return
		}

		ok, retryAfter := e.limiter.TryReserve(ctx, b.SessionKey(), time.Now())
		if !ok {
			// Backpressure, not failure: park the broadcast and let the
			// scheduler re-claim it after the cooldown.
			metrics.RateLimitDenied.Inc()
			metrics.SuspendTotal.Inc()
			if err := e.store.SuspendBroadcast(ctx, b.ID, m.Position, time.Now().Add(retryAfter)); err != nil {
				log.Error().Err(err).Msg("suspend broadcast")
			}
			log.Info().Dur("retry_after", retryAfter).Int("cursor", m.Position).Msg("broadcast suspended on rate limit")
			return
		}

		if err := e.smoother.Wait(ctx); err != nil {
			return
		}

		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
		providerID, err := client.Send(sctx, b.SessionRef, m.Recipient, payload)
		cancel()
		metrics.SendDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			if errors.Is(err, provider.ErrSessionFatal) {
				// The session is gone; recorded outcomes stay as they are.
				metrics.SendTotal.WithLabelValues(string(b.Channel), "fatal").Inc()
				metrics.BroadcastsFinished.WithLabelValues(string(core.BroadcastFailed)).Inc()
				log.Error().Err(err).Int("position", m.Position).Msg("session fatal, aborting broadcast")
				_ = e.store.FailBroadcast(ctx, b.ID)
				return
			}
			// One recipient failing never blocks the rest.
			metrics.SendTotal.WithLabelValues(string(b.Channel), "failed").Inc()
			if err := e.store.MarkMessageFailed(ctx, b.ID, m.Recipient, err.Error()); err != nil {
				log.Error().Err(err).Str("recipient", m.Recipient).Msg("record failure")
			}
			continue
		}

		metrics.SendTotal.WithLabelValues(string(b.Channel), "sent").Inc()
		if err := e.store.MarkMessageSent(ctx, b.ID, m.Recipient, providerID); err != nil {
			log.Error().Err(err).Str("recipient", m.Recipient).Msg("record send")
		}
		if e.index != nil {
			if err := e.index.Index(ctx, providerID, b.ID, m.Recipient); err != nil {
				log.Warn().Err(err).Msg("index provider message id")
			}
		}
	}

	if err := e.store.CompleteBroadcast(ctx, b.ID); err != nil {
		log.Error().Err(err).Msg("complete broadcast")
		return
	}
	metrics.BroadcastsFinished.WithLabelValues(string(core.BroadcastCompleted)).Inc()
	log.Info().Int("total", b.Total).Msg("broadcast completed")
}

// checkFlags observes best-effort cancellation and external status
// changes between recipients.
func (e *Engine) checkFlags(ctx context.Context, id string, log zerolog.Logger) (stop bool) {
	status, cancelRequested, err := e.store.BroadcastFlags(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("read broadcast flags")
		return false
	}
	if cancelRequested {
		if err := e.store.MarkCancelled(ctx, id); err != nil {
			log.Error().Err(err).Msg("mark cancelled")
		}
		metrics.BroadcastsFinished.WithLabelValues(string(core.BroadcastCancelled)).Inc()
		log.Info().Msg("broadcast cancelled mid-dispatch")
		return true
	}
	return status != core.BroadcastProcessing
}
