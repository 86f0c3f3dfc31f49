// Package provider abstracts the outbound messaging channels. The engine
// never sees a wire protocol, only the ChannelClient capability.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/blastware/broadcast-gateway/internal/core"
)

type Payload struct {
	Body     string
	MediaURL string
}

// ErrSessionFatal marks the session itself as dead (disconnected,
// auth revoked). Dispatch aborts the broadcast on it; any other send
// error is isolated to the one recipient.
var ErrSessionFatal = errors.New("session_unavailable")

type ChannelClient interface {
	Send(ctx context.Context, sessionRef, recipient string, p Payload) (providerMsgID string, err error)
}

// Registry maps channels to their clients.
type Registry struct {
	clients map[core.Channel]ChannelClient
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[core.Channel]ChannelClient)}
}

func (r *Registry) Register(ch core.Channel, c ChannelClient) { r.clients[ch] = c }

func (r *Registry) For(ch core.Channel) (ChannelClient, error) {
	c, ok := r.clients[ch]
	if !ok {
		return nil, fmt.Errorf("%w: no client for channel %s", ErrSessionFatal, ch)
	}
	return c, nil
}
