// Copyright 2025 Warden Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moderation

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/gateway"
)

type fakeResponder struct {
	responses  []string
	ephemerals []string
	followups  []string
	deferred   int
}

func (f *fakeResponder) Respond(
	_ *discordgo.Interaction,
	content string,
) error {
	f.responses = append(f.responses, content)
	return nil
}

func (f *fakeResponder) RespondEphemeral(
	_ *discordgo.Interaction,
	content string,
) error {
	f.ephemerals = append(f.ephemerals, content)
	return nil
}

func (f *fakeResponder) Defer(_ *discordgo.Interaction) error {
	f.deferred++
	return nil
}

func (f *fakeResponder) Followup(
	_ *discordgo.Interaction,
	content string,
) error {
	f.followups = append(f.followups, content)
	return nil
}

func commandInteraction(
	name string,
	member *discordgo.Member,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
			Member: member,
		},
	}
}

func stringOption(
	name string,
	value string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:  discordgo.ApplicationCommandOptionString,
		Name:  name,
		Value: value,
	}
}

func intOption(
	name string,
	value float64,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:  discordgo.ApplicationCommandOptionInteger,
		Name:  name,
		Value: value,
	}
}

func userIDOption(
	name string,
	userID string,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:  discordgo.ApplicationCommandOptionUser,
		Name:  name,
		Value: userID,
	}
}

func moderatorMember() *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: "500"},
		Roles: []string{"900000000000000009"},
	}
}

func findCommand(
	t *testing.T,
	commands []gateway.Command,
	name string,
) gateway.Command {
	t.Helper()
	for _, command := range commands {
		if command.ApplicationCommand.Name == name {
			return command
		}
	}
	t.Fatalf("no %s command registered", name)
	return gateway.Command{}
}

func TestCommands(t *testing.T) {
	s, _, _ := newTestModeration(t)
	var names []string
	for _, command := range s.Commands() {
		names = append(names, command.ApplicationCommand.Name)
	}
	assert.ElementsMatch(t, []string{
		"warn", "kick", "ban", "tempban", "mute", "unmute", "purge", "modlog",
	}, names)
}

func TestWarnCommand(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "warn")
	r := &fakeResponder{}

	ic := commandInteraction(
		"warn",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> has been warned for: spamming.", r.ephemerals[0])

	rows, err := s.Recent("100", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ActionWarn, rows[0].Action)
}

func TestWarnCommandRequiresCapability(t *testing.T) {
	s, _, directory := newTestModeration(t)
	directory.allow = false
	command := findCommand(t, s.Commands(), "warn")
	r := &fakeResponder{}

	ic := commandInteraction(
		"warn",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"You do not have permission to use this command.",
		r.ephemerals[0],
	)

	rows, err := s.Recent("100", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWarnCommandGuildOnly(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "warn")
	r := &fakeResponder{}

	ic := commandInteraction(
		"warn",
		nil,
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"This command can only be used inside the server.",
		r.ephemerals[0],
	)
}

func TestKickCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.members["100"] = memberWithRoles("100")
	command := findCommand(t, s.Commands(), "kick")
	r := &fakeResponder{}

	ic := commandInteraction(
		"kick",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> has been kicked for: spamming.", r.ephemerals[0])
	assert.Equal(t, []string{"100"}, guild.kicked)
}

func TestKickCommandForbidden(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.kickErr = gateway.ErrForbidden
	command := findCommand(t, s.Commands(), "kick")
	r := &fakeResponder{}

	ic := commandInteraction(
		"kick",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"I don't have permission to kick <@100>.",
		r.ephemerals[0],
	)
}

func TestKickCommandMissingMember(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "kick")
	r := &fakeResponder{}

	ic := commandInteraction(
		"kick",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "That user isn't in the server.", r.ephemerals[0])
}

func TestBanCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "ban")
	r := &fakeResponder{}

	ic := commandInteraction(
		"ban",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "raiding"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> has been banned for: raiding.", r.ephemerals[0])
	assert.True(t, guild.banned["100"])
}

func TestTempBanCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "tempban")
	r := &fakeResponder{}

	ic := commandInteraction(
		"tempban",
		moderatorMember(),
		userIDOption("user", "100"),
		intOption("duration", 2),
		stringOption("unit", "hours"),
		stringOption("reason", "testing"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"<@100> has been banned for 2 hours: testing.",
		r.ephemerals[0],
	)
	assert.True(t, guild.banned["100"])
	assert.Equal(t, 1, s.armedTimers())
}

func TestTempBanCommandSingularUnit(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "tempban")
	r := &fakeResponder{}

	ic := commandInteraction(
		"tempban",
		moderatorMember(),
		userIDOption("user", "100"),
		intOption("duration", 1),
		stringOption("unit", "hours"),
		stringOption("reason", "testing"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"<@100> has been banned for 1 hour: testing.",
		r.ephemerals[0],
	)
}

func TestTempBanCommandBadUnit(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "tempban")
	r := &fakeResponder{}

	ic := commandInteraction(
		"tempban",
		moderatorMember(),
		userIDOption("user", "100"),
		intOption("duration", 2),
		stringOption("unit", "weeks"),
		stringOption("reason", "testing"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"Pick a duration unit of seconds, minutes, hours, or days.",
		r.ephemerals[0],
	)
	assert.False(t, guild.banned["100"])
}

func TestTempBanCommandZeroDuration(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "tempban")
	r := &fakeResponder{}

	ic := commandInteraction(
		"tempban",
		moderatorMember(),
		userIDOption("user", "100"),
		intOption("duration", 0),
		stringOption("unit", "hours"),
		stringOption("reason", "testing"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "Duration must be a positive number.", r.ephemerals[0])
	assert.False(t, guild.banned["100"])
}

func TestMuteCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.members["100"] = memberWithRoles("100")
	command := findCommand(t, s.Commands(), "mute")
	r := &fakeResponder{}

	ic := commandInteraction(
		"mute",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> has been muted for: spamming.", r.ephemerals[0])
	assert.Equal(t, []string{"100:" + testMutedRoleID}, guild.roleAdds)
}

func TestMuteCommandForbidden(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.roleErr = gateway.ErrForbidden
	command := findCommand(t, s.Commands(), "mute")
	r := &fakeResponder{}

	ic := commandInteraction(
		"mute",
		moderatorMember(),
		userIDOption("user", "100"),
		stringOption("reason", "spamming"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"I don't have permission to manage roles.",
		r.ephemerals[0],
	)
}

func TestUnmuteCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.members["100"] = memberWithRoles("100", testMutedRoleID)
	command := findCommand(t, s.Commands(), "unmute")
	r := &fakeResponder{}

	ic := commandInteraction(
		"unmute",
		moderatorMember(),
		userIDOption("user", "100"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> has been unmuted.", r.ephemerals[0])
}

func TestUnmuteCommandNotMuted(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.members["100"] = memberWithRoles("100")
	command := findCommand(t, s.Commands(), "unmute")
	r := &fakeResponder{}

	ic := commandInteraction(
		"unmute",
		moderatorMember(),
		userIDOption("user", "100"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "<@100> is not muted.", r.ephemerals[0])
}

func TestPurgeCommand(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.available = 7
	command := findCommand(t, s.Commands(), "purge")
	r := &fakeResponder{}

	ic := commandInteraction(
		"purge",
		moderatorMember(),
		intOption("amount", 5),
	)
	ic.ChannelID = testChannelID
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, 1, r.deferred)
	require.Len(t, r.followups, 1)
	assert.Equal(t, "Deleted 5 messages.", r.followups[0])
}

func TestPurgeCommandBounds(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "purge")
	r := &fakeResponder{}

	ic := commandInteraction(
		"purge",
		moderatorMember(),
		intOption("amount", 150),
	)
	ic.ChannelID = testChannelID
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, 0, r.deferred)
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "Amount must be between 1 and 100.", r.ephemerals[0])
}

func TestPurgeCommandForbidden(t *testing.T) {
	s, guild, _ := newTestModeration(t)
	guild.purgeErr = gateway.ErrForbidden
	command := findCommand(t, s.Commands(), "purge")
	r := &fakeResponder{}

	ic := commandInteraction(
		"purge",
		moderatorMember(),
		intOption("amount", 5),
	)
	ic.ChannelID = testChannelID
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, 1, r.deferred)
	require.Len(t, r.followups, 1)
	assert.Equal(
		t,
		"I don't have permission to delete messages here.",
		r.followups[0],
	)
}

func TestModlogCommand(t *testing.T) {
	s, _, _ := newTestModeration(t)
	expires := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	for _, row := range []*models.ModerationAction{
		{
			Action:    models.ActionWarn,
			ActorID:   "500",
			TargetID:  "100",
			GuildID:   testGuildID,
			Reason:    "spamming",
			CreatedAt: time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC),
		},
		{
			Action:    models.ActionTempBan,
			ActorID:   "500",
			TargetID:  "100",
			GuildID:   testGuildID,
			Reason:    "cooling off",
			ExpiresAt: &expires,
			CreatedAt: time.Date(2025, 3, 6, 12, 0, 0, 0, time.UTC),
		},
		{
			Action:    models.ActionUnmute,
			ActorID:   "500",
			TargetID:  "100",
			GuildID:   testGuildID,
			CreatedAt: time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC),
		},
	} {
		require.NoError(t, s.db.DB().Create(row).Error)
	}
	command := findCommand(t, s.Commands(), "modlog")
	r := &fakeResponder{}

	ic := commandInteraction(
		"modlog",
		moderatorMember(),
		userIDOption("member", "100"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"Recent moderation actions for <@100>:\n"+
			"- 2025-03-07 unmute by <@500>\n"+
			"- 2025-03-06 tempban by <@500>: cooling off (until 2025-03-12)\n"+
			"- 2025-03-05 warn by <@500>: spamming\n",
		r.ephemerals[0],
	)
}

func TestModlogCommandEmpty(t *testing.T) {
	s, _, _ := newTestModeration(t)
	command := findCommand(t, s.Commands(), "modlog")
	r := &fakeResponder{}

	ic := commandInteraction(
		"modlog",
		moderatorMember(),
		userIDOption("member", "100"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"No moderation actions recorded for <@100>.",
		r.ephemerals[0],
	)
}

func TestParseTempBanDuration(t *testing.T) {
	for _, tc := range []struct {
		amount   int64
		unit     string
		expected time.Duration
		ok       bool
	}{
		{30, "seconds", 30 * time.Second, true},
		{5, "minutes", 5 * time.Minute, true},
		{2, "hours", 2 * time.Hour, true},
		{2, "days", 48 * time.Hour, true},
		{1, "weeks", 0, false},
		{1, "", 0, false},
	} {
		d, ok := parseTempBanDuration(tc.amount, tc.unit)
		assert.Equal(t, tc.ok, ok, "unit %q", tc.unit)
		assert.Equal(t, tc.expected, d, "unit %q", tc.unit)
	}
}

func TestFormatSpan(t *testing.T) {
	assert.Equal(t, "1 hour", formatSpan(1, "hours"))
	assert.Equal(t, "1 second", formatSpan(1, "seconds"))
	assert.Equal(t, "2 minutes", formatSpan(2, "minutes"))
	assert.Equal(t, "3 days", formatSpan(3, "days"))
}
