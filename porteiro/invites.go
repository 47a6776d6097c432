package porteiro

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InviteLister is the gateway-query capability the resolver needs:
// list the live invites for a guild. Implemented by DiscordSession,
// mocked in tests.
type InviteLister interface {
	GuildInvites(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Invite, error)
}

// inviteUsage is one entry of a guild's invite snapshot.
type inviteUsage struct {
	Uses      int
	InviterID string
}

// guildInviteState holds the current snapshot for one guild, with its
// own lock so refreshes and resolutions on different guilds never
// serialize each other.
type guildInviteState struct {
	mu       sync.Mutex
	snapshot map[string]inviteUsage
	seeded   bool
}

// InviteSnapshotResolver maintains a per-guild map of invite code to
// (uses, inviter) and attributes new joins to the invite whose use
// count grew since the last snapshot. Attribution is best-effort: a
// resolve racing a stale snapshot within one guild is accepted, and
// state is rebuilt from scratch on restart (one "unknown" attribution,
// no corruption).
type InviteSnapshotResolver struct {
	mu     sync.Mutex
	guilds map[string]*guildInviteState

	lister InviteLister
	logger *slog.Logger
}

func NewInviteSnapshotResolver(
	lister InviteLister,
	logger *slog.Logger,
) *InviteSnapshotResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &InviteSnapshotResolver{
		guilds: map[string]*guildInviteState{},
		lister: lister,
		logger: logger.With(loggerNameKey, "invite_resolver"),
	}
}

func (r *InviteSnapshotResolver) guild(guildID string) *guildInviteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.guilds[guildID]
	if !ok {
		state = &guildInviteState{snapshot: map[string]inviteUsage{}}
		r.guilds[guildID] = state
	}
	return state
}

// RefreshGuildSnapshot fetches the live invite list for a guild and
// replaces the stored snapshot wholesale. Replacing (not merging) means
// deleted or expired invites can't linger as stale entries.
func (r *InviteSnapshotResolver) RefreshGuildSnapshot(
	ctx context.Context,
	guildID string,
) error {
	invites, err := r.lister.GuildInvites(guildID)
	if err != nil {
		return fmt.Errorf("error listing invites for guild %s: %w", guildID, err)
	}
	state := r.guild(guildID)

	state.mu.Lock()
	state.snapshot = snapshotFromInvites(invites)
	state.seeded = true
	state.mu.Unlock()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = r.logger
	}
	logger.DebugContext(
		ctx,
		"refreshed invite snapshot",
		"guild_id", guildID,
		"invite_count", len(invites),
	)
	return nil
}

// OnInviteCreated upserts a single entry, keeping the snapshot
// approximately current between full refreshes.
func (r *InviteSnapshotResolver) OnInviteCreated(i *discordgo.InviteCreate) {
	if i == nil || i.Invite == nil || i.GuildID == "" {
		return
	}
	state := r.guild(i.GuildID)

	state.mu.Lock()
	defer state.mu.Unlock()

	usage := inviteUsage{Uses: i.Uses}
	if i.Inviter != nil {
		usage.InviterID = i.Inviter.ID
	}
	state.snapshot[i.Code] = usage
}

// OnInviteDeleted drops the entry for the deleted code.
func (r *InviteSnapshotResolver) OnInviteDeleted(i *discordgo.InviteDelete) {
	if i == nil || i.GuildID == "" {
		return
	}
	state := r.guild(i.GuildID)

	state.mu.Lock()
	defer state.mu.Unlock()
	delete(state.snapshot, i.Code)
}

// ResolveInviter is called on a join event. It fetches a fresh live
// invite list, diffs it against the stored snapshot by code, attributes
// the join to the invite with the strictly largest positive use-count
// delta, then unconditionally replaces the snapshot with the fresh list
// so the next resolution diffs against this one.
//
// Ties are broken by first encounter over the fetched list, which makes
// attribution under true ties nondeterministic - Discord gives us no
// better signal, so this stays best-effort.
//
// The first call for a guild only seeds the snapshot: there is nothing
// to diff against, so it returns ("", false).
func (r *InviteSnapshotResolver) ResolveInviter(
	ctx context.Context,
	guildID string,
) (inviterID string, ok bool) {
	logger, hasLogger := ContextLogger(ctx)
	if logger == nil || !hasLogger {
		logger = r.logger
	}

	invites, err := r.lister.GuildInvites(guildID)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error listing invites, cannot attribute join",
			tint.Err(err),
			"guild_id", guildID,
		)
		return "", false
	}

	state := r.guild(guildID)

	state.mu.Lock()
	defer state.mu.Unlock()

	fresh := snapshotFromInvites(invites)
	previous := state.snapshot
	wasSeeded := state.seeded
	state.snapshot = fresh
	state.seeded = true

	if !wasSeeded {
		logger.InfoContext(
			ctx,
			"first resolution for guild, seeding snapshot",
			"guild_id", guildID,
		)
		return "", false
	}

	bestDelta := 0
	var best inviteUsage
	for _, invite := range invites {
		usage := fresh[invite.Code]
		delta := usage.Uses - previous[invite.Code].Uses
		if delta > bestDelta {
			bestDelta = delta
			best = usage
		}
	}

	if bestDelta <= 0 || best.InviterID == "" {
		logger.InfoContext(
			ctx,
			"no invite accounts for join",
			"guild_id", guildID,
			"best_delta", bestDelta,
		)
		return "", false
	}
	return best.InviterID, true
}

func snapshotFromInvites(invites []*discordgo.Invite) map[string]inviteUsage {
	snapshot := make(map[string]inviteUsage, len(invites))
	for _, invite := range invites {
		if invite == nil {
			continue
		}
		usage := inviteUsage{Uses: invite.Uses}
		if invite.Inviter != nil {
			usage.InviterID = invite.Inviter.ID
		}
		snapshot[invite.Code] = usage
	}
	return snapshot
}
