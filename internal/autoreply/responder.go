package autoreply

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/metrics"
	"github.com/blastware/broadcast-gateway/internal/provider"
)

// RuleSource loads the active rule snapshot for one session;
// *core.Store satisfies it.
type RuleSource interface {
	ActiveRules(ctx context.Context, channel core.Channel, sessionRef string) ([]core.AutoReplyRule, error)
}

// Responder wires the matcher to the outbound channel: inbound message
// in, at most one reply out.
type Responder struct {
	rules     RuleSource
	providers *provider.Registry
	log       zerolog.Logger
}

func NewResponder(rules RuleSource, providers *provider.Registry, log zerolog.Logger) *Responder {
	return &Responder{rules: rules, providers: providers, log: log.With().Str("component", "autoreply").Logger()}
}

// HandleInbound evaluates one inbound message. No matching rule is a
// normal outcome, not an error.
func (r *Responder) HandleInbound(ctx context.Context, channel core.Channel, sessionRef, sender, body string, now time.Time) error {
	rules, err := r.rules.ActiveRules(ctx, channel, sessionRef)
	if err != nil {
		return err
	}

	rule := Match(body, rules, now)
	if rule == nil {
		metrics.AutoReplies.WithLabelValues("no_match").Inc()
		return nil
	}

	client, err := r.providers.For(channel)
	if err != nil {
		metrics.AutoReplies.WithLabelValues("send_error").Inc()
		return err
	}
	if _, err := client.Send(ctx, sessionRef, sender, provider.Payload{Body: rule.Response}); err != nil {
		metrics.AutoReplies.WithLabelValues("send_error").Inc()
		r.log.Warn().Err(err).Int64("rule", rule.ID).Str("sender", sender).Msg("auto-reply send failed")
		return err
	}
	metrics.AutoReplies.WithLabelValues("matched").Inc()
	r.log.Debug().Int64("rule", rule.ID).Str("sender", sender).Msg("auto-reply sent")
	return nil
}
