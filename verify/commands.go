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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// Commands returns the verification slash commands for registration
// with the gateway.
func (e *Engine) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "verify",
				Description: "Verify a member so they can participate",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to verify",
						Required:    true,
					},
				},
			},
			Handler: e.handleVerifyCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "verifysweep",
				Description: "Run the verification and activity sweeps now",
			},
			Handler: e.handleSweepCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "verifystatus",
				Description: "Show a member's verification state",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to look up",
						Required:    true,
					},
				},
			},
			Handler: e.handleStatusCommand,
		},
	}
}

func (e *Engine) checkCapability(
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
	if !e.directory.HasCapability(ic.Member.Roles, roles.CapVerifyMembers) {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"You don't have permission to manage verification.",
		)
		return false
	}
	return true
}

func (e *Engine) handleVerifyCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !e.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		return errors.New("verify command missing member option")
	}
	err := e.Verify(ctx, targetID)
	switch {
	case err == nil:
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("<@%s> has been verified.", targetID),
		)
	case errors.Is(err, ErrNotPending):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("<@%s> is not awaiting verification.", targetID),
		)
	case errors.Is(err, roles.ErrNotReady):
		return r.RespondEphemeral(
			ic.Interaction,
			"Role setup has not finished yet. Please try again shortly.",
		)
	case gateway.IsForbidden(err):
		e.logger.Error(
			"missing permission to manage verification roles",
			"user_id", targetID,
			"error", err,
		)
		return r.RespondEphemeral(
			ic.Interaction,
			"I don't have permission to manage those roles.",
		)
	default:
		return err
	}
}

func (e *Engine) handleSweepCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !e.checkCapability(r, ic) {
		return nil
	}
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	kicked := e.SweepVerification(ctx)
	demoted := e.SweepActivity(ctx)
	if err := e.ledger.Persist(); err != nil {
		e.logger.Error("failed to persist ledger snapshot", "error", err)
	}
	return r.Followup(
		ic.Interaction,
		fmt.Sprintf(
			"Sweep complete: kicked %d unverified, demoted %d inactive.",
			kicked,
			demoted,
		),
	)
}

func (e *Engine) handleStatusCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !e.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		return errors.New("verifystatus command missing member option")
	}
	state, ts := e.ledger.State(targetID)
	var report string
	switch state {
	case StateUnverified:
		report = fmt.Sprintf(
			"<@%s> is pending verification since %s.",
			targetID,
			ts.In(easternTime).Format(time.RFC1123),
		)
	case StateVerifiedProbation:
		report = fmt.Sprintf(
			"<@%s> was verified at %s and is awaiting their first post.",
			targetID,
			ts.In(easternTime).Format(time.RFC1123),
		)
	default:
		report = fmt.Sprintf("<@%s> is fully verified.", targetID)
	}
	return r.RespondEphemeral(ic.Interaction, report)
}
