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

package provision

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

type fakeDirectory struct {
	allow bool
}

func (f *fakeDirectory) HasCapability(
	_ []string,
	_ roles.Capability,
) bool {
	return f.allow
}

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

func adminMember() *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: "500"},
		Roles: []string{"900000000000000008"},
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
	s, _, _ := newTestProvision(t, nil)
	commands := s.Commands()
	require.Len(t, commands, 1)
	assert.Equal(t, "provision", commands[0].ApplicationCommand.Name)
}

func TestProvisionCommand(t *testing.T) {
	s, _, _ := newTestProvision(t, []string{"Adair", "Allen"})
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", adminMember())
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, 1, r.deferred)
	require.Len(t, r.followups, 1)
	assert.Equal(t, "Provisioned 4 categories and 10 channels.", r.followups[0])
}

func TestProvisionCommandNothingToDo(t *testing.T) {
	s, _, _ := newTestProvision(t, []string{"Adair"})
	_, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", adminMember())
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.followups, 1)
	assert.Equal(t, "Everything is already in place.", r.followups[0])
}

func TestProvisionCommandStateOption(t *testing.T) {
	s, _, roster := newTestProvision(t, []string{"Adams"})
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction(
		"provision",
		adminMember(),
		stringOption("state", "Ohio"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, "39", roster.lastRegion)
}

func TestProvisionCommandUnknownState(t *testing.T) {
	s, builder, _ := newTestProvision(t, []string{"Adams"})
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction(
		"provision",
		adminMember(),
		stringOption("state", "Atlantis"),
	)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	assert.Equal(t, 0, r.deferred)
	require.Len(t, r.ephemerals, 1)
	assert.Equal(t, "Unknown state: Atlantis.", r.ephemerals[0])
	assert.Empty(t, builder.createdCategories)
}

func TestProvisionCommandEmptyRoster(t *testing.T) {
	s, _, _ := newTestProvision(t, nil)
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", adminMember())
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.followups, 1)
	assert.Equal(
		t,
		"The census roster returned no counties for that region.",
		r.followups[0],
	)
}

func TestProvisionCommandForbidden(t *testing.T) {
	s, builder, _ := newTestProvision(t, []string{"Adair"})
	builder.categoryErr = gateway.ErrForbidden
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", adminMember())
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.followups, 1)
	assert.Equal(
		t,
		"I don't have permission to manage channels.",
		r.followups[0],
	)
}

func TestProvisionCommandRequiresCapability(t *testing.T) {
	s, _, _ := newTestProvision(t, []string{"Adair"})
	s.config.Directory = &fakeDirectory{allow: false}
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", adminMember())
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"You do not have permission to use this command.",
		r.ephemerals[0],
	)
}

func TestProvisionCommandGuildOnly(t *testing.T) {
	s, _, _ := newTestProvision(t, []string{"Adair"})
	command := findCommand(t, s.Commands(), "provision")
	r := &fakeResponder{}

	ic := commandInteraction("provision", nil)
	require.NoError(t, command.Handler(t.Context(), r, ic))
	require.Len(t, r.ephemerals, 1)
	assert.Equal(
		t,
		"This command can only be used inside the server.",
		r.ephemerals[0],
	)
}
