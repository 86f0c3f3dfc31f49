// Package resolver merges broadcast recipients from manual input, saved
// contacts and contact groups into one deduplicated, ordered list.
package resolver

import (
	"context"
	"strings"

	"github.com/blastware/broadcast-gateway/internal/core"
)

// Directory is the contact/group lookup the resolver expands against;
// *core.Store satisfies it.
type Directory interface {
	ContactIdentifier(ctx context.Context, contactID string) (string, error)
	GroupMemberIdentifiers(ctx context.Context, groupID string) ([]string, error)
}

type Input struct {
	Manual     []string `json:"manual,omitempty"`
	ContactIDs []string `json:"contact_ids,omitempty"`
	GroupIDs   []string `json:"group_ids,omitempty"`
}

type Resolver struct {
	dir Directory
	// countryCode replaces a leading 0 (and prefixes a bare 8xx number)
	// when normalizing phone-style identifiers.
	countryCode string
}

func New(dir Directory, countryCode string) *Resolver {
	if countryCode == "" {
		countryCode = "62"
	}
	return &Resolver{dir: dir, countryCode: countryCode}
}

// Resolve expands and merges all sources in fixed priority order
// (manual > contacts > groups); the first occurrence of an identifier
// wins and later duplicates are dropped, so identical inputs always
// yield identical output. An empty result is valid; unresolvable ids
// surface as errors before any broadcast exists.
func (r *Resolver) Resolve(ctx context.Context, channel core.Channel, in Input) ([]string, error) {
	out := make([]string, 0, len(in.Manual)+len(in.ContactIDs))
	seen := make(map[string]struct{})

	add := func(raw string) {
		id := r.normalize(channel, raw)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, m := range in.Manual {
		add(m)
	}
	for _, cid := range in.ContactIDs {
		ident, err := r.dir.ContactIdentifier(ctx, cid)
		if err != nil {
			return nil, err
		}
		add(ident)
	}
	for _, gid := range in.GroupIDs {
		members, err := r.dir.GroupMemberIdentifiers(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			add(m)
		}
	}
	return out, nil
}

// normalize canonicalizes phone-style identifiers to international form.
// Telegram chat ids are not phone numbers and pass through untouched.
func (r *Resolver) normalize(channel core.Channel, raw string) string {
	raw = strings.TrimSpace(raw)
	if channel == core.ChannelTelegram {
		return raw
	}

	var digits strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	d := digits.String()
	if d == "" {
		return raw
	}

	switch {
	case strings.HasPrefix(d, "0"):
		return r.countryCode + d[1:]
	case strings.HasPrefix(d, "8"):
		return r.countryCode + d
	default:
		return d
	}
}
