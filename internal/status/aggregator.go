// Package status reconciles asynchronous delivery/read webhooks against
// per-recipient records. Webhooks redeliver and arrive out of order;
// everything here is idempotent and absorbs duplicates silently.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/metrics"
)

type EventType string

const (
	EventDelivered EventType = "delivered"
	EventRead      EventType = "read"
)

type Event struct {
	Provider          string    `json:"provider"`
	SessionRef        string    `json:"session_ref"`
	Recipient         string    `json:"recipient"`
	Type              EventType `json:"event_type"`
	ProviderMessageID string    `json:"provider_message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

type Store interface {
	ApplyDeliveryEvent(ctx context.Context, broadcastID, recipient string, target core.MessageStatus, at time.Time) (bool, error)
	LocateByProviderMessageID(ctx context.Context, providerMsgID string) (broadcastID, recipient string, err error)
}

// Index is the fast provider-message-id lookup the dispatcher populates.
type Index interface {
	Lookup(ctx context.Context, providerMsgID string) (broadcastID, recipient string, ok bool, err error)
}

type Aggregator struct {
	store Store
	index Index // optional
	log   zerolog.Logger
}

func New(store Store, index Index, log zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, index: index, log: log.With().Str("component", "status").Logger()}
}

// Apply maps the webhook event onto its message record and advances it.
// Unknown message ids, duplicates and stale events all resolve to nil:
// the webhook caller must never see them as failures.
func (a *Aggregator) Apply(ctx context.Context, ev Event) error {
	target, ok := targetStatus(ev.Type)
	if !ok {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "unknown").Inc()
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	broadcastID, recipient, err := a.locate(ctx, ev.ProviderMessageID)
	if errors.Is(err, core.ErrNotFound) {
		a.log.Debug().Str("provider_message_id", ev.ProviderMessageID).Msg("event for unknown message dropped")
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "unknown").Inc()
		return nil
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	applied, err := a.store.ApplyDeliveryEvent(ctx, broadcastID, recipient, target, at)
	if errors.Is(err, core.ErrNotFound) {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "unknown").Inc()
		return nil
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if applied {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	} else {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "noop").Inc()
	}
	return nil
}

func (a *Aggregator) locate(ctx context.Context, providerMsgID string) (string, string, error) {
	if providerMsgID == "" {
		return "", "", core.ErrNotFound
	}
	if a.index != nil {
		b, r, ok, err := a.index.Lookup(ctx, providerMsgID)
		if err != nil {
			a.log.Warn().Err(err).Msg("index lookup failed, falling back to store")
		} else if ok {
			return b, r, nil
		}
	}
	return a.store.LocateByProviderMessageID(ctx, providerMsgID)
}

func targetStatus(t EventType) (core.MessageStatus, bool) {
	switch t {
	case EventDelivered:
		return core.MessageDelivered, true
	case EventRead:
		return core.MessageRead, true
	}
	return "", false
}
