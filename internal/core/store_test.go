package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blastware/broadcast-gateway/internal/core"
	"github.com/blastware/broadcast-gateway/internal/db"
)

func newBroadcast(t *testing.T, store *core.Store, recipients ...string) core.Broadcast {
	t.Helper()
	b, err := store.CreateBroadcast(context.Background(), core.CreateBroadcastRequest{
		UserID:     "u1",
		Channel:    core.ChannelWhatsApp,
		SessionRef: "s1",
		Body:       "hello",
		Recipients: recipients,
	})
	require.NoError(t, err)
	return b
}

func claimOne(t *testing.T, store *core.Store) core.Broadcast {
	t.Helper()
	claimed, err := store.ClaimEligible(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestBroadcastLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	pool := db.StartTestPostgres(t)
	store := &core.Store{DB: pool}
	ctx := context.Background()

	t.Run("create freezes recipients", func(t *testing.T) {
		b := newBroadcast(t, store, "628111", "628222", "628333")
		require.Equal(t, core.BroadcastPending, b.Status)
		require.Equal(t, 3, b.Total)
		require.Zero(t, b.Cursor)

		msgs, err := store.ListMessages(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			require.Equal(t, i, m.Position)
			require.Equal(t, core.MessageQueued, m.Status)
		}
		require.Equal(t, "628111", msgs[0].Recipient)

		_, err = store.ClaimEligible(ctx, 10) // drain
		require.NoError(t, err)
	})

	t.Run("scheduled waits for its time", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		b, err := store.CreateBroadcast(ctx, core.CreateBroadcastRequest{
			UserID: "u1", Channel: core.ChannelWhatsApp, SessionRef: "s1",
			Body: "later", Recipients: []string{"628111"}, ScheduledAt: &future,
		})
		require.NoError(t, err)
		require.Equal(t, core.BroadcastScheduled, b.Status)

		claimed, err := store.ClaimEligible(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, claimed)

		_, err = pool.Exec(ctx, `UPDATE broadcasts SET scheduled_at=now() - interval '1 minute' WHERE id=$1`, b.ID)
		require.NoError(t, err)
		got := claimOne(t, store)
		require.Equal(t, b.ID, got.ID)
		require.Equal(t, core.BroadcastProcessing, got.Status)
		require.NoError(t, store.CompleteBroadcast(ctx, b.ID))
	})

	t.Run("concurrent claims are exactly-once", func(t *testing.T) {
		want := map[string]bool{}
		for i := 0; i < 5; i++ {
			want[newBroadcast(t, store, "628111").ID] = true
		}

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := store.ClaimEligible(ctx, 10)
				require.NoError(t, err)
				mu.Lock()
				for _, b := range claimed {
					seen[b.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, seen, 5)
		for id, n := range seen {
			require.True(t, want[id])
			require.Equal(t, 1, n, "broadcast %s claimed twice", id)
			require.NoError(t, store.CompleteBroadcast(ctx, id))
		}
	})

	t.Run("outcomes bump counters and cursor once", func(t *testing.T) {
		b := newBroadcast(t, store, "628111", "628222")
		claimOne(t, store)

		require.NoError(t, store.MarkMessageSent(ctx, b.ID, "628111", "p-1"))
		require.NoError(t, store.MarkMessageFailed(ctx, b.ID, "628222", "provider_rejected"))
		// replays after a crash must not double-count
		require.NoError(t, store.MarkMessageSent(ctx, b.ID, "628111", "p-1"))

		got, err := store.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, 1, got.Sent)
		require.Equal(t, 1, got.Failed)
		require.Equal(t, 2, got.Cursor)

		pending, err := store.PendingRecipients(ctx, b.ID, got.Cursor)
		require.NoError(t, err)
		require.Empty(t, pending)

		require.NoError(t, store.CompleteBroadcast(ctx, b.ID))
		got, err = store.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, core.BroadcastCompleted, got.Status)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("suspend and resume via cursor", func(t *testing.T) {
		b := newBroadcast(t, store, "628111", "628222", "628333")
		claimOne(t, store)
		require.NoError(t, store.MarkMessageSent(ctx, b.ID, "628111", "p-1"))
		require.NoError(t, store.SuspendBroadcast(ctx, b.ID, 1, time.Now().Add(-time.Second)))

		resumed, err := store.ClaimResumable(ctx, 10)
		require.NoError(t, err)
		require.Len(t, resumed, 1)
		require.Equal(t, b.ID, resumed[0].ID)
		require.Equal(t, core.BroadcastProcessing, resumed[0].Status)
		require.Equal(t, 1, resumed[0].Cursor)

		// resume_at cleared: not claimable twice
		resumed, err = store.ClaimResumable(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, resumed)

		pending, err := store.PendingRecipients(ctx, b.ID, 1)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, "628222", pending[0].Recipient)
		require.NoError(t, store.CompleteBroadcast(ctx, b.ID))
	})

	t.Run("stale processing is reclaimed", func(t *testing.T) {
		b := newBroadcast(t, store, "628111")
		claimOne(t, store)
		_, err := pool.Exec(ctx, `UPDATE broadcasts SET started_at=now() - interval '10 minutes' WHERE id=$1`, b.ID)
		require.NoError(t, err)

		stale, err := store.ReclaimStale(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, b.ID, stale[0].ID)

		// started_at refreshed, so a second pass sees nothing
		stale, err = store.ReclaimStale(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		require.Empty(t, stale)
		require.NoError(t, store.CompleteBroadcast(ctx, b.ID))
	})

	t.Run("cancel before and during dispatch", func(t *testing.T) {
		pending := newBroadcast(t, store, "628111")
		st, err := store.CancelBroadcast(ctx, pending.ID)
		require.NoError(t, err)
		require.Equal(t, core.BroadcastCancelled, st)

		processing := newBroadcast(t, store, "628111")
		claimOne(t, store)
		st, err = store.CancelBroadcast(ctx, processing.ID)
		require.NoError(t, err)
		require.Equal(t, core.BroadcastProcessing, st)

		status, cancelRequested, err := store.BroadcastFlags(ctx, processing.ID)
		require.NoError(t, err)
		require.Equal(t, core.BroadcastProcessing, status)
		require.True(t, cancelRequested)

		require.NoError(t, store.MarkCancelled(ctx, processing.ID))
		got, err := store.GetBroadcast(ctx, processing.ID)
		require.NoError(t, err)
		require.Equal(t, core.BroadcastCancelled, got.Status)

		// terminal broadcasts stay terminal
		_, err = store.CancelBroadcast(ctx, processing.ID)
		require.ErrorIs(t, err, core.ErrNotCancellable)

		_, err = store.CancelBroadcast(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("delivery events are forward-only", func(t *testing.T) {
		b := newBroadcast(t, store, "628111", "628222")
		claimOne(t, store)
		require.NoError(t, store.MarkMessageSent(ctx, b.ID, "628111", "p-del"))
		require.NoError(t, store.MarkMessageSent(ctx, b.ID, "628222", "p-read"))
		require.NoError(t, store.CompleteBroadcast(ctx, b.ID))

		at := time.Now()
		applied, err := store.ApplyDeliveryEvent(ctx, b.ID, "628111", core.MessageDelivered, at)
		require.NoError(t, err)
		require.True(t, applied)

		// duplicate is a silent no-op
		applied, err = store.ApplyDeliveryEvent(ctx, b.ID, "628111", core.MessageDelivered, at)
		require.NoError(t, err)
		require.False(t, applied)

		// read without a prior delivered crosses both states
		applied, err = store.ApplyDeliveryEvent(ctx, b.ID, "628222", core.MessageRead, at)
		require.NoError(t, err)
		require.True(t, applied)

		got, err := store.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, 2, got.Sent)
		require.Equal(t, 2, got.Delivered)
		require.Equal(t, 1, got.Read)
		require.Equal(t, core.BroadcastCompleted, got.Status) // late webhooks never touch status

		bid, rcpt, err := store.LocateByProviderMessageID(ctx, "p-read")
		require.NoError(t, err)
		require.Equal(t, b.ID, bid)
		require.Equal(t, "628222", rcpt)

		_, _, err = store.LocateByProviderMessageID(ctx, "ghost")
		require.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestDirectoryAndRules(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	pool := db.StartTestPostgres(t)
	store := &core.Store{DB: pool}
	ctx := context.Background()

	t.Run("contacts and groups", func(t *testing.T) {
		c1, err := store.CreateContact(ctx, core.Contact{UserID: "u1", Name: "Ana", Channel: core.ChannelWhatsApp, Identifier: "628111"})
		require.NoError(t, err)
		c2, err := store.CreateContact(ctx, core.Contact{UserID: "u1", Name: "Ben", Channel: core.ChannelWhatsApp, Identifier: "628222"})
		require.NoError(t, err)

		ident, err := store.ContactIdentifier(ctx, c1)
		require.NoError(t, err)
		require.Equal(t, "628111", ident)

		g, err := store.CreateGroup(ctx, "u1", "customers")
		require.NoError(t, err)
		require.NoError(t, store.AddGroupMember(ctx, g, c1))
		require.NoError(t, store.AddGroupMember(ctx, g, c2))
		require.NoError(t, store.AddGroupMember(ctx, g, c2)) // duplicate membership ignored

		members, err := store.GroupMemberIdentifiers(ctx, g)
		require.NoError(t, err)
		require.Equal(t, []string{"628111", "628222"}, members)

		_, err = store.ContactIdentifier(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, core.ErrNotFound)
		_, err = store.GroupMemberIdentifiers(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("rules round trip with hours", func(t *testing.T) {
		_, err := store.CreateRule(ctx, core.AutoReplyRule{
			UserID: "u1", Channel: core.ChannelWhatsApp, SessionRef: "s1",
			TriggerType: core.TriggerContains, TriggerValue: "price",
			Response: "our price list", Priority: 10, IsActive: true,
			Hours: &core.BusinessHours{Start: "09:00", End: "17:00", Weekdays: []time.Weekday{time.Monday, time.Friday}},
		})
		require.NoError(t, err)
		_, err = store.CreateRule(ctx, core.AutoReplyRule{
			UserID: "u1", Channel: core.ChannelWhatsApp, SessionRef: "s1",
			TriggerType: core.TriggerAll, Response: "hi", Priority: 20, IsActive: true,
		})
		require.NoError(t, err)
		_, err = store.CreateRule(ctx, core.AutoReplyRule{
			UserID: "u1", Channel: core.ChannelWhatsApp, SessionRef: "s1",
			TriggerType: core.TriggerAll, Response: "off", Priority: 99, IsActive: false,
		})
		require.NoError(t, err)

		active, err := store.ActiveRules(ctx, core.ChannelWhatsApp, "s1")
		require.NoError(t, err)
		require.Len(t, active, 2)
		require.Equal(t, 20, active[0].Priority) // highest first
		require.NotNil(t, active[1].Hours)
		require.Equal(t, "09:00", active[1].Hours.Start)
		require.Equal(t, []time.Weekday{time.Monday, time.Friday}, active[1].Hours.Weekdays)

		all, err := store.ListRules(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, all, 3)
	})
}
