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

package verify

import (
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/gateway"
)

type fakeResponder struct {
	responses  []string
	ephemerals []string
	followups  []string
	deferred   int
}

func (f *fakeResponder) Respond(_ *discordgo.Interaction, content string) error {
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

func moderatorMember() *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: "500"},
		Roles: []string{"900000000000000009"},
	}
}

func commandInteraction(
	name string,
	member *discordgo.Member,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:   discordgo.InteractionApplicationCommand,
			Member: member,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func memberOption(userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "member",
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func findCommand(t *testing.T, engine *Engine, name string) gateway.Command {
	t.Helper()
	for _, cmd := range engine.Commands() {
		if cmd.ApplicationCommand.Name == name {
			return cmd
		}
	}
	t.Fatalf("command %s not found", name)
	return gateway.Command{}
}

func TestCommands(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	cmds := engine.Commands()
	require.Len(t, cmds, 3)
	names := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		require.NotNil(t, cmd.ApplicationCommand)
		require.NotNil(t, cmd.Handler)
		names = append(names, cmd.ApplicationCommand.Name)
	}
	assert.ElementsMatch(
		t,
		[]string{"verify", "verifysweep", "verifystatus"},
		names,
	)
}

func TestVerifyCommand(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	guild.memberRoles["100"] = []string{testMustVerifyRoleID}
	ledger.MarkPending("100", time.Now().Add(-time.Hour))
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember(), memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "<@100> has been verified")
	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
	state, _ := ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
}

func TestVerifyCommandRequiresCapability(t *testing.T) {
	engine, guild, directory, _ := newTestEngine(t)
	directory.allow = false
	guild.memberRoles["100"] = []string{testMustVerifyRoleID}
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember(), memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "permission")
	assert.Equal(t, []string{testMustVerifyRoleID}, guild.rolesOf("100"))
}

func TestVerifyCommandGuildOnly(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", nil, memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "inside the server")
}

func TestVerifyCommandNotPending(t *testing.T) {
	engine, guild, _, _ := newTestEngine(t)
	guild.memberRoles["100"] = []string{testMemberRoleID}
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember(), memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "not awaiting verification")
}

func TestVerifyCommandDirectoryNotReady(t *testing.T) {
	engine, _, directory, _ := newTestEngine(t)
	directory.ready = false
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember(), memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "Role setup has not finished")
}

func TestVerifyCommandForbidden(t *testing.T) {
	engine, guild, _, _ := newTestEngine(t)
	guild.memberRoles["100"] = []string{testMustVerifyRoleID}
	guild.removeErr = gateway.ErrForbidden
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember(), memberOption("100"))
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "permission to manage those roles")
}

func TestVerifyCommandMissingOption(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verify")
	ic := commandInteraction("verify", moderatorMember())
	assert.Error(t, cmd.Handler(t.Context(), r, ic))
}

func TestSweepCommand(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now.Add(-25*time.Hour))
	guild.memberRoles["200"] = []string{testMemberRoleID}
	ledger.MarkPending("200", now.Add(-26*time.Hour))
	ledger.Promote("200", now.Add(-25*time.Hour))
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verifysweep")
	ic := commandInteraction("verifysweep", moderatorMember())
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	assert.Equal(t, 1, r.deferred)
	require.Len(t, r.followups, 1)
	assert.Contains(t, r.followups[0], "kicked 1")
	assert.Contains(t, r.followups[0], "demoted 1")
	// The sweep persists the snapshot
	_, err := os.Stat(ledger.config.Path)
	assert.NoError(t, err)
}

func TestSweepCommandRequiresCapability(t *testing.T) {
	engine, _, directory, _ := newTestEngine(t)
	directory.allow = false
	r := &fakeResponder{}

	cmd := findCommand(t, engine, "verifysweep")
	ic := commandInteraction("verifysweep", moderatorMember())
	require.NoError(t, cmd.Handler(t.Context(), r, ic))

	assert.Equal(t, 0, r.deferred)
	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "permission")
}

func TestStatusCommand(t *testing.T) {
	engine, _, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now)
	ledger.MarkPending("200", now)
	ledger.Promote("200", now)

	cmd := findCommand(t, engine, "verifystatus")

	r := &fakeResponder{}
	ic := commandInteraction(
		"verifystatus",
		moderatorMember(),
		memberOption("100"),
	)
	require.NoError(t, cmd.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "pending verification")

	r = &fakeResponder{}
	ic = commandInteraction(
		"verifystatus",
		moderatorMember(),
		memberOption("200"),
	)
	require.NoError(t, cmd.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "awaiting their first post")

	r = &fakeResponder{}
	ic = commandInteraction(
		"verifystatus",
		moderatorMember(),
		memberOption("300"),
	)
	require.NoError(t, cmd.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Contains(t, r.ephemerals[0], "fully verified")
}
