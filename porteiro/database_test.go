package porteiro

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDatabase(t *testing.T) DBI {
	t.Helper()
	db, err := CreateDB(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	return NewDatabase(db, testLogger())
}

func TestCreateDBMigrates(t *testing.T) {
	db := testDatabase(t)

	_, err := db.Create(
		&CommandLog{
			MessageID:   "msg1",
			UserID:      testUserID,
			CommandName: "ping",
			Outcome:     OutcomeExecuted,
			Success:     true,
		},
	)
	require.NoError(t, err)

	var logs []CommandLog
	require.NoError(t, db.DB().Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "ping", logs[0].CommandName)
	assert.NotZero(t, logs[0].CreatedAt)
}

func TestGetOrCreateUser(t *testing.T) {
	db := testDatabase(t)

	user, isNew, err := db.GetOrCreateUser(
		discordgo.User{ID: testUserID, Username: "fulano"},
	)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "fulano", user.Username)
	assert.False(t, user.Ignored)

	// Second sight comes from the cache, as a private copy so callers
	// can't scribble on the shared record.
	again, isNew, err := db.GetOrCreateUser(
		discordgo.User{ID: testUserID, Username: "fulano"},
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.NotSame(t, user, again)
	assert.Equal(t, *user, *again)

	again.Username = "scribbled"
	third, _, err := db.GetOrCreateUser(
		discordgo.User{ID: testUserID, Username: "fulano"},
	)
	require.NoError(t, err)
	assert.Equal(t, "fulano", third.Username)
}

func TestTouchUser(t *testing.T) {
	db := testDatabase(t)

	u := discordgo.User{ID: testUserID, Username: "fulano"}
	user, _, err := db.GetOrCreateUser(u)
	require.NoError(t, err)

	// Fresh record, same name: nothing to refresh.
	assert.False(t, db.TouchUser(u, user.LastSeen+1))

	// Stale last_seen triggers exactly one refresh; the cache advances
	// so an immediate retouch is a no-op.
	staleAt := user.LastSeen + lastSeenRefreshInterval.Milliseconds() + 1
	assert.True(t, db.TouchUser(u, staleAt))
	assert.False(t, db.TouchUser(u, staleAt))

	// A rename refreshes regardless of recency.
	renamed := discordgo.User{ID: testUserID, Username: "beltrano"}
	assert.True(t, db.TouchUser(renamed, staleAt))
	cached, _, err := db.GetOrCreateUser(renamed)
	require.NoError(t, err)
	assert.Equal(t, "beltrano", cached.Username)

	// Unknown user: nothing cached to touch.
	assert.False(t, db.TouchUser(discordgo.User{ID: "ghost"}, staleAt))
}

func TestGetOrCreateUserBotIgnoredByDefault(t *testing.T) {
	db := testDatabase(t)

	user, _, err := db.GetOrCreateUser(
		discordgo.User{ID: "bot1", Username: "beepboop", Bot: true},
	)
	require.NoError(t, err)
	assert.True(t, user.Ignored)
}

func whoInvitedInvocation(t *testing.T, db DBI, content string, mentions ...*discordgo.User) *Invocation {
	t.Helper()
	registry := testRegistry(t)
	cmd, ok := registry.Resolve("quem")
	require.True(t, ok)

	token, rest := commandToken(content, DefaultCommandPrefix)
	require.NotEmpty(t, token)
	return &Invocation{
		Message: &discordgo.Message{
			GuildID:  testGuildID,
			Author:   &discordgo.User{ID: testUserID},
			Mentions: mentions,
		},
		Command:  cmd,
		RawArgs:  rest,
		Registry: registry,
		DB:       db,
	}
}

func TestWhoInvitedByMention(t *testing.T) {
	db := testDatabase(t)
	_, err := db.Create(
		&MemberJoin{
			GuildID:   testGuildID,
			UserID:    "200",
			Username:  "novato",
			InviterID: "300",
		},
	)
	require.NoError(t, err)

	inv := whoInvitedInvocation(
		t, db, "!quem @novato", &discordgo.User{ID: "200"},
	)
	reply, err := inv.Command.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "<@200> foi convidado(a) por <@300>.", reply)
}

func TestWhoInvitedByName(t *testing.T) {
	db := testDatabase(t)
	_, err := db.Create(&User{ID: "200", Username: "novato"})
	require.NoError(t, err)
	_, err = db.Create(
		&MemberJoin{
			GuildID:   testGuildID,
			UserID:    "200",
			Username:  "novato",
			InviterID: "300",
		},
	)
	require.NoError(t, err)

	inv := whoInvitedInvocation(t, db, "!quem novato")
	reply, err := inv.Command.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "<@300>")
}

func TestWhoInvitedUnknownName(t *testing.T) {
	db := testDatabase(t)

	inv := whoInvitedInvocation(t, db, "!quem ninguem")
	_, err := inv.Command.Run(context.Background(), inv)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ErrorKindTargetNotFound, cmdErr.Kind)
}

func TestWhoInvitedAmbiguousName(t *testing.T) {
	db := testDatabase(t)
	_, err := db.Create(&User{ID: "200", Username: "novato"})
	require.NoError(t, err)
	_, err = db.Create(&User{ID: "201", GlobalName: "novato"})
	require.NoError(t, err)

	inv := whoInvitedInvocation(t, db, "!quem novato")
	_, err = inv.Command.Run(context.Background(), inv)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ErrorKindAmbiguousTarget, cmdErr.Kind)
}

func TestWhoInvitedTooManyMentions(t *testing.T) {
	db := testDatabase(t)

	inv := whoInvitedInvocation(
		t,
		db,
		"!quem @a @b",
		&discordgo.User{ID: "200"},
		&discordgo.User{ID: "201"},
	)
	_, err := inv.Command.Run(context.Background(), inv)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ErrorKindAmbiguousTarget, cmdErr.Kind)
}

func TestWhoInvitedNoJoinRecord(t *testing.T) {
	db := testDatabase(t)

	inv := whoInvitedInvocation(
		t, db, "!quem @alguem", &discordgo.User{ID: "200"},
	)
	_, err := inv.Command.Run(context.Background(), inv)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ErrorKindTargetNotFound, cmdErr.Kind)
}

// TestWhoInvitedUsesLatestJoin covers a member who left and rejoined
// through a different invite: the answer is the most recent join.
func TestWhoInvitedUsesLatestJoin(t *testing.T) {
	db := testDatabase(t)
	for i, inviter := range []string{"300", "301"} {
		join := &MemberJoin{
			GuildID:   testGuildID,
			UserID:    "200",
			Username:  "novato",
			InviterID: inviter,
		}
		join.CreatedAt = int64(1000 + i)
		_, err := db.Create(join)
		require.NoError(t, err)
	}

	inv := whoInvitedInvocation(
		t, db, "!quem @novato", &discordgo.User{ID: "200"},
	)
	reply, err := inv.Command.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, reply, "<@301>")
}

func TestWhoInvitedOutsideGuild(t *testing.T) {
	db := testDatabase(t)

	inv := whoInvitedInvocation(
		t, db, "!quem @alguem", &discordgo.User{ID: "200"},
	)
	inv.Message.GuildID = ""
	_, err := inv.Command.Run(context.Background(), inv)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ErrorKindPermissionDenied, cmdErr.Kind)
}

func TestDatabaseSerializedWrites(t *testing.T) {
	db := testDatabase(t)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			_, err := db.Create(
				&CommandLog{
					MessageID: fmt.Sprintf("msg%d", n),
					UserID:    testUserID,
					Outcome:   OutcomeExecuted,
				},
			)
			done <- err
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	var count int64
	require.NoError(t, db.DB().Model(&CommandLog{}).Count(&count).Error)
	assert.Equal(t, int64(10), count)
}
