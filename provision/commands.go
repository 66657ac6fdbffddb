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
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// Commands returns the provisioning slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "provision",
				Description: "Create the server's category and channel scaffolding",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "state",
						Description: "State to build county channels for, the configured region if omitted",
					},
				},
			},
			Handler: s.handleProvisionCommand,
		},
	}
}

func (s *Service) handleProvisionCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if ic.Member == nil {
		return r.RespondEphemeral(
			ic.Interaction,
			"This command can only be used inside the server.",
		)
	}
	if s.config.Directory == nil ||
		!s.config.Directory.HasCapability(
			ic.Member.Roles, roles.CapAdminister,
		) {
		return r.RespondEphemeral(
			ic.Interaction,
			"You do not have permission to use this command.",
		)
	}
	regionCode := ""
	if stateName, ok := gateway.StringOption(ic, "state"); ok {
		code, found := RegionCode(stateName)
		if !found {
			return r.RespondEphemeral(
				ic.Interaction,
				fmt.Sprintf("Unknown state: %s.", stateName),
			)
		}
		regionCode = code
	}
	// A fresh guild takes minutes to build at one create per second
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	result, err := s.Provision(ctx, regionCode)
	switch {
	case errors.Is(err, ErrRunInProgress):
		return r.Followup(
			ic.Interaction,
			"A provisioning run is already in progress.",
		)
	case errors.Is(err, ErrEmptyRoster):
		return r.Followup(
			ic.Interaction,
			"The census roster returned no counties for that region.",
		)
	case gateway.IsForbidden(err):
		return r.Followup(
			ic.Interaction,
			"I don't have permission to manage channels.",
		)
	case err != nil:
		return err
	}
	if result.Categories == 0 && result.Channels == 0 {
		return r.Followup(ic.Interaction, "Everything is already in place.")
	}
	return r.Followup(
		ic.Interaction,
		fmt.Sprintf(
			"Provisioned %d categories and %d channels.",
			result.Categories,
			result.Channels,
		),
	)
}
