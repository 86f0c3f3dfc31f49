package resolver_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/resolver"
)

type fakeDirectory struct {
	contacts map[string]string
	groups   map[string][]string
}

func (d *fakeDirectory) ContactIdentifier(_ context.Context, id string) (string, error) {
	ident, ok := d.contacts[id]
	if !ok {
		return "", fmt.Errorf("contact %s: %w", id, core.ErrNotFound)
	}
	return ident, nil
}

func (d *fakeDirectory) GroupMemberIdentifiers(_ context.Context, id string) ([]string, error) {
	members, ok := d.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, core.ErrNotFound)
	}
	return members, nil
}

func newResolver(dir *fakeDirectory) *resolver.Resolver {
	return resolver.New(dir, "62")
}

func TestNormalizationDedup(t *testing.T) {
	r := newResolver(&fakeDirectory{contacts: map[string]string{"c1": "6281234567890"}})

	// manual "0812..." and stored "6281234..." are the same number
	out, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{
		Manual:     []string{"081234567890"},
		ContactIDs: []string{"c1"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"6281234567890"}, out)
}

func TestNormalizationForms(t *testing.T) {
	r := newResolver(&fakeDirectory{})
	cases := map[string]string{
		"081234567890":    "6281234567890",
		"+6281234567890":  "6281234567890",
		"6281234567890":   "6281234567890",
		"81234567890":     "6281234567890",
		"0812-3456-7890 ": "6281234567890",
	}
	for in, want := range cases {
		out, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{Manual: []string{in}})
		require.NoError(t, err)
		require.Equal(t, []string{want}, out, "input %q", in)
	}
}

func TestTelegramIdentifiersPassThrough(t *testing.T) {
	r := newResolver(&fakeDirectory{})
	out, err := r.Resolve(context.Background(), core.ChannelTelegram, resolver.Input{
		Manual: []string{"-1001234567890", "987654321"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"-1001234567890", "987654321"}, out)
}

func TestMergeOrderFirstOccurrenceWins(t *testing.T) {
	dir := &fakeDirectory{
		contacts: map[string]string{"c1": "628111", "c2": "628222"},
		groups:   map[string][]string{"g1": {"628222", "628333", "628111"}},
	}
	r := newResolver(dir)

	out, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{
		Manual:     []string{"0811 1"}, // normalizes to 628111
		ContactIDs: []string{"c2", "c1"},
		GroupIDs:   []string{"g1"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"628111", "628222", "628333"}, out)
}

func TestResolveDeterministic(t *testing.T) {
	dir := &fakeDirectory{
		contacts: map[string]string{"c1": "628111"},
		groups:   map[string][]string{"g1": {"628222", "628333"}},
	}
	r := newResolver(dir)
	in := resolver.Input{Manual: []string{"0844"}, ContactIDs: []string{"c1"}, GroupIDs: []string{"g1"}}

	first, err := r.Resolve(context.Background(), core.ChannelWhatsApp, in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(context.Background(), core.ChannelWhatsApp, in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSupersetPreservesRelativeOrder(t *testing.T) {
	dir := &fakeDirectory{groups: map[string][]string{"g1": {"628222", "628333"}}}
	r := newResolver(dir)

	base, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{GroupIDs: []string{"g1"}})
	require.NoError(t, err)

	super, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{
		Manual:   []string{"0811"},
		GroupIDs: []string{"g1"},
	})
	require.NoError(t, err)

	// base appears in super in the same relative order
	idx := 0
	for _, id := range super {
		if idx < len(base) && id == base[idx] {
			idx++
		}
	}
	require.Equal(t, len(base), idx)
}

func TestEmptyResultIsValid(t *testing.T) {
	r := newResolver(&fakeDirectory{})
	out, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestUnresolvableIDsSurfaceBeforeDispatch(t *testing.T) {
	r := newResolver(&fakeDirectory{})

	_, err := r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{ContactIDs: []string{"ghost"}})
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = r.Resolve(context.Background(), core.ChannelWhatsApp, resolver.Input{GroupIDs: []string{"ghost"}})
	require.ErrorIs(t, err, core.ErrNotFound)
}
