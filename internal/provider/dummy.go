package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Dummy simulates a provider for local runs and tests: small latency,
// occasional per-recipient failures.
type Dummy struct {
	Latency  time.Duration
	FailRate int // percent of sends that fail transiently
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailRate: 3} }

func (d *Dummy) Send(ctx context.Context, sessionRef, recipient string, p Payload) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(d.Latency):
	}
	if d.FailRate > 0 && rand.Intn(100) < d.FailRate {
		return "", errors.New("provider_temporary_error")
	}
	return "prov-" + uuid.NewString(), nil
}
