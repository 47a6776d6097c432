package porteiro

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockInviteLister serves canned invite lists per guild, swappable
// between calls.
type mockInviteLister struct {
	mu      sync.Mutex
	invites map[string][]*discordgo.Invite
	err     error
}

func (m *mockInviteLister) GuildInvites(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.invites[guildID], nil
}

func (m *mockInviteLister) set(guildID string, invites ...*discordgo.Invite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invites == nil {
		m.invites = map[string][]*discordgo.Invite{}
	}
	m.invites[guildID] = invites
}

func invite(code string, uses int, inviterID string) *discordgo.Invite {
	inv := &discordgo.Invite{Code: code, Uses: uses}
	if inviterID != "" {
		inv.Inviter = &discordgo.User{ID: inviterID}
	}
	return inv
}

func TestResolveInviterFirstCallSeeds(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 3, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)

	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
	assert.Empty(t, inviterID)

	// Snapshot is now seeded: a subsequent use-count bump attributes
	lister.set("guild1", invite("aaa", 4, "inviter1"))
	inviterID, ok = resolver.ResolveInviter(context.Background(), "guild1")
	assert.True(t, ok)
	assert.Equal(t, "inviter1", inviterID)
}

func TestResolveInviterPicksLargestDelta(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set(
		"guild1",
		invite("aaa", 5, "inviter1"),
		invite("bbb", 2, "inviter2"),
	)
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	// bbb grew by 3, aaa by 1
	lister.set(
		"guild1",
		invite("aaa", 6, "inviter1"),
		invite("bbb", 5, "inviter2"),
	)
	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.True(t, ok)
	assert.Equal(t, "inviter2", inviterID)
}

func TestResolveInviterNoDelta(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 5, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
	assert.Empty(t, inviterID)
}

// TestResolveInviterSnapshotReplacedWholesale verifies the fresh fetch
// replaces the snapshot even when attribution fails, so the next
// resolution diffs against this call's list rather than a stale one.
func TestResolveInviterSnapshotReplacedWholesale(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 5, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	// aaa disappears (expired), bbb appears with prior uses
	lister.set("guild1", invite("bbb", 7, "inviter2"))
	_, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.True(t, ok)

	// No change since the previous resolution: no attribution, and in
	// particular no phantom delta from the long-gone aaa
	_, ok = resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
}

func TestResolveInviterNewInviteAttributed(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 1, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	// A brand-new invite that was already used once: delta against the
	// zero value is positive
	lister.set(
		"guild1",
		invite("aaa", 1, "inviter1"),
		invite("new", 1, "inviter9"),
	)
	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.True(t, ok)
	assert.Equal(t, "inviter9", inviterID)
}

func TestResolveInviterListError(t *testing.T) {
	lister := &mockInviteLister{err: errors.New("boom")}
	resolver := NewInviteSnapshotResolver(lister, nil)

	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
	assert.Empty(t, inviterID)
}

func TestResolveInviterMissingInviter(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 1, ""))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	// Vanity/widget invites have no inviter; the delta matches but
	// there's nobody to attribute to
	lister.set("guild1", invite("aaa", 2, ""))
	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
	assert.Empty(t, inviterID)
}

func TestOnInviteCreatedUpserts(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 0, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	resolver.OnInviteCreated(
		&discordgo.InviteCreate{
			Invite: &discordgo.Invite{
				Code:    "bbb",
				Inviter: &discordgo.User{ID: "inviter2"},
			},
			GuildID: "guild1",
		},
	)

	// bbb is in the snapshot at 0 uses, so a join through it produces
	// a delta of 1
	lister.set(
		"guild1",
		invite("aaa", 0, "inviter1"),
		invite("bbb", 1, "inviter2"),
	)
	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.True(t, ok)
	assert.Equal(t, "inviter2", inviterID)
}

func TestOnInviteCreatedNilSafe(t *testing.T) {
	resolver := NewInviteSnapshotResolver(&mockInviteLister{}, nil)
	resolver.OnInviteCreated(nil)
	resolver.OnInviteCreated(&discordgo.InviteCreate{})
	resolver.OnInviteDeleted(nil)
	resolver.OnInviteDeleted(&discordgo.InviteDelete{})
}

func TestOnInviteDeletedRemovesEntry(t *testing.T) {
	lister := &mockInviteLister{}
	lister.set("guild1", invite("aaa", 5, "inviter1"))
	resolver := NewInviteSnapshotResolver(lister, nil)
	require.NoError(
		t, resolver.RefreshGuildSnapshot(context.Background(), "guild1"),
	)

	resolver.OnInviteDeleted(
		&discordgo.InviteDelete{Code: "aaa", GuildID: "guild1"},
	)

	// The deleted invite is gone from the live list too; nothing
	// remains to diff, so the next join can't be attributed to it
	lister.set("guild1")
	inviterID, ok := resolver.ResolveInviter(context.Background(), "guild1")
	assert.False(t, ok)
	assert.Empty(t, inviterID)
}

func TestResolveInviterGuildsIndependent(t *testing.T) {
	lister := &mockInviteLister{}
	resolver := NewInviteSnapshotResolver(lister, nil)

	const guilds = 10
	var wg sync.WaitGroup
	for i := 0; i < guilds; i++ {
		guildID := fmt.Sprintf("guild%d", i)
		inviterID := fmt.Sprintf("inviter%d", i)
		lister.set(guildID, invite("code", 0, inviterID))
		require.NoError(
			t, resolver.RefreshGuildSnapshot(context.Background(), guildID),
		)
		lister.set(guildID, invite("code", 1, inviterID))
	}

	results := make([]string, guilds)
	for i := 0; i < guilds; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			guildID := fmt.Sprintf("guild%d", n)
			inviterID, ok := resolver.ResolveInviter(
				context.Background(), guildID,
			)
			if ok {
				results[n] = inviterID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < guilds; i++ {
		assert.Equal(t, fmt.Sprintf("inviter%d", i), results[i])
	}
}
