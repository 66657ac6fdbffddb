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

package macro

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// commandNames lists the registry's own slash commands, which are
// reserved so a macro can never shadow them
var commandNames = []string{"macroadd", "macrodel", "macrolist"}

// Commands returns the macro slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "macroadd",
				Description: "Define or update a text macro",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Macro name, invoked as /name",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "response",
						Description: "Text the macro replies with",
						Required:    true,
					},
				},
			},
			Handler: s.handleAddCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "macrodel",
				Description: "Delete a text macro",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Macro name to delete",
						Required:    true,
					},
				},
			},
			Handler: s.handleDeleteCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "macrolist",
				Description: "List the defined text macros",
			},
			Handler: s.handleListCommand,
		},
	}
}

func (s *Service) checkCapability(
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) bool {
	if ic.Member == nil {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"This command can only be used inside the server.",
		)
		return false
	}
	if s.directory == nil ||
		!s.directory.HasCapability(ic.Member.Roles, roles.CapAdminister) {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"You don't have permission to manage macros.",
		)
		return false
	}
	return true
}

func (s *Service) handleAddCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	name, ok := gateway.StringOption(ic, "name")
	if !ok {
		return errors.New("macroadd command missing name option")
	}
	response, ok := gateway.StringOption(ic, "response")
	if !ok {
		return errors.New("macroadd command missing response option")
	}
	err := s.Add(name, response)
	switch {
	case errors.Is(err, ErrInvalidName):
		return r.RespondEphemeral(
			ic.Interaction,
			"Macro names can't be empty or contain spaces.",
		)
	case errors.Is(err, ErrReservedName):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf(
				"/%s conflicts with a built-in command.",
				strings.ToLower(strings.TrimSpace(name)),
			),
		)
	case err != nil:
		return err
	}
	return r.Respond(
		ic.Interaction,
		fmt.Sprintf("Macro /%s saved.", strings.ToLower(strings.TrimSpace(name))),
	)
}

func (s *Service) handleDeleteCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	name, ok := gateway.StringOption(ic, "name")
	if !ok {
		return errors.New("macrodel command missing name option")
	}
	err := s.Delete(name)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf(
				"There's no macro called /%s.",
				strings.ToLower(strings.TrimSpace(name)),
			),
		)
	case err != nil:
		return err
	}
	return r.Respond(
		ic.Interaction,
		fmt.Sprintf(
			"Macro /%s deleted.",
			strings.ToLower(strings.TrimSpace(name)),
		),
	)
}

func (s *Service) handleListCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	names := s.Names()
	if len(names) == 0 {
		return r.Respond(ic.Interaction, "There are no macros yet.")
	}
	var sb strings.Builder
	sb.WriteString("Available macros:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "/%s\n", name)
	}
	return r.Respond(ic.Interaction, sb.String())
}
