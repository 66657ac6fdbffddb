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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// The platform bulk-delete endpoint takes at most this many messages
// per call; keeping the command inside one batch keeps it fast.
const maxPurgeAmount = 100

// Commands returns the moderation slash commands.
func (s *Service) Commands() []gateway.Command {
	minOne := 1.0
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "warn",
				Description: "Warn a member",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The member to warn"),
					reasonOption("The reason for the warning"),
				},
			},
			Handler: s.handleWarnCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "kick",
				Description: "Kick a member from the server",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The member to kick"),
					reasonOption("The reason for kicking"),
				},
			},
			Handler: s.handleKickCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "ban",
				Description: "Ban a user from the server",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The user to ban"),
					reasonOption("The reason for banning"),
				},
			},
			Handler: s.handleBanCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "tempban",
				Description: "Ban a user for a limited time",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The user to ban"),
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "duration",
						Description: "How long the ban lasts",
						Required:    true,
						MinValue:    &minOne,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "unit",
						Description: "The time unit for the duration",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "seconds", Value: "seconds"},
							{Name: "minutes", Value: "minutes"},
							{Name: "hours", Value: "hours"},
							{Name: "days", Value: "days"},
						},
					},
					reasonOption("The reason for the ban"),
				},
			},
			Handler: s.handleTempBanCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "mute",
				Description: "Mute a member",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The member to mute"),
					reasonOption("The reason for muting"),
				},
			},
			Handler: s.handleMuteCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "unmute",
				Description: "Unmute a previously muted member",
				Options: []*discordgo.ApplicationCommandOption{
					userOption("The member to unmute"),
				},
			},
			Handler: s.handleUnmuteCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "purge",
				Description: "Delete recent messages from this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "amount",
						Description: "The number of messages to delete",
						Required:    true,
						MinValue:    &minOne,
						MaxValue:    maxPurgeAmount,
					},
				},
			},
			Handler: s.handlePurgeCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "modlog",
				Description: "Show a member's recent moderation actions",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to look up",
						Required:    true,
					},
				},
			},
			Handler: s.handleModlogCommand,
		},
	}
}

func userOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        "user",
		Description: description,
		Required:    true,
	}
}

func reasonOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "reason",
		Description: description,
		Required:    true,
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
		!s.directory.HasCapability(ic.Member.Roles, roles.CapModerate) {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"You do not have permission to use this command.",
		)
		return false
	}
	return true
}

func (s *Service) handleWarnCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("warn command missing user option")
	}
	reason, ok := gateway.StringOption(ic, "reason")
	if !ok {
		return errors.New("warn command missing reason option")
	}
	if err := s.Warn(ic.Member.User.ID, targetID, reason); err != nil {
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has been warned for: %s.", targetID, reason),
	)
}

func (s *Service) handleKickCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("kick command missing user option")
	}
	reason, ok := gateway.StringOption(ic, "reason")
	if !ok {
		return errors.New("kick command missing reason option")
	}
	err := s.Kick(ctx, ic.Member.User.ID, targetID, reason)
	switch {
	case gateway.IsForbidden(err):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("I don't have permission to kick <@%s>.", targetID),
		)
	case gateway.IsNotFound(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"That user isn't in the server.",
		)
	case err != nil:
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has been kicked for: %s.", targetID, reason),
	)
}

func (s *Service) handleBanCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("ban command missing user option")
	}
	reason, ok := gateway.StringOption(ic, "reason")
	if !ok {
		return errors.New("ban command missing reason option")
	}
	err := s.Ban(ctx, ic.Member.User.ID, targetID, reason)
	switch {
	case gateway.IsForbidden(err):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("I don't have permission to ban <@%s>.", targetID),
		)
	case gateway.IsNotFound(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"That user couldn't be found.",
		)
	case err != nil:
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has been banned for: %s.", targetID, reason),
	)
}

func (s *Service) handleTempBanCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("tempban command missing user option")
	}
	amount, ok := gateway.IntOption(ic, "duration")
	if !ok {
		return errors.New("tempban command missing duration option")
	}
	unit, ok := gateway.StringOption(ic, "unit")
	if !ok {
		return errors.New("tempban command missing unit option")
	}
	reason, ok := gateway.StringOption(ic, "reason")
	if !ok {
		return errors.New("tempban command missing reason option")
	}
	if amount <= 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"Duration must be a positive number.",
		)
	}
	d, ok := parseTempBanDuration(amount, unit)
	if !ok {
		return r.RespondEphemeral(
			ic.Interaction,
			"Pick a duration unit of seconds, minutes, hours, or days.",
		)
	}
	_, err := s.TempBan(ctx, ic.Member.User.ID, targetID, reason, d)
	switch {
	case errors.Is(err, ErrUnbanNotScheduled):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf(
				"<@%s> was banned, but the automatic unban couldn't be "+
					"scheduled. Check the logs.",
				targetID,
			),
		)
	case gateway.IsForbidden(err):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("I don't have permission to ban <@%s>.", targetID),
		)
	case err != nil:
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf(
			"<@%s> has been banned for %s: %s.",
			targetID,
			formatSpan(amount, unit),
			reason,
		),
	)
}

func (s *Service) handleMuteCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("mute command missing user option")
	}
	reason, ok := gateway.StringOption(ic, "reason")
	if !ok {
		return errors.New("mute command missing reason option")
	}
	err := s.Mute(ctx, ic.Member.User.ID, targetID, reason)
	switch {
	case gateway.IsForbidden(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"I don't have permission to manage roles.",
		)
	case gateway.IsNotFound(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"That user isn't in the server.",
		)
	case err != nil:
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has been muted for: %s.", targetID, reason),
	)
}

func (s *Service) handleUnmuteCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "user")
	if !ok {
		return errors.New("unmute command missing user option")
	}
	err := s.Unmute(ctx, ic.Member.User.ID, targetID)
	switch {
	case errors.Is(err, ErrNotMuted):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("<@%s> is not muted.", targetID),
		)
	case gateway.IsForbidden(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"I don't have permission to manage roles.",
		)
	case gateway.IsNotFound(err):
		return r.RespondEphemeral(
			ic.Interaction,
			"That user isn't in the server.",
		)
	case err != nil:
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has been unmuted.", targetID),
	)
}

func (s *Service) handlePurgeCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	amount, ok := gateway.IntOption(ic, "amount")
	if !ok {
		return errors.New("purge command missing amount option")
	}
	if amount < 1 || amount > maxPurgeAmount {
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("Amount must be between 1 and %d.", maxPurgeAmount),
		)
	}
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	deleted, err := s.Purge(ctx, ic.Member.User.ID, ic.ChannelID, int(amount))
	switch {
	case gateway.IsForbidden(err):
		return r.Followup(
			ic.Interaction,
			"I don't have permission to delete messages here.",
		)
	case err != nil:
		return err
	}
	return r.Followup(
		ic.Interaction,
		fmt.Sprintf("Deleted %d messages.", deleted),
	)
}

func (s *Service) handleModlogCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		return errors.New("modlog command missing member option")
	}
	rows, err := s.Recent(targetID, defaultLogLimit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("No moderation actions recorded for <@%s>.", targetID),
		)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent moderation actions for <@%s>:\n", targetID)
	for _, row := range rows {
		fmt.Fprintf(
			&sb,
			"- %s %s by <@%s>",
			row.CreatedAt.Format(time.DateOnly),
			row.Action,
			row.ActorID,
		)
		if row.Reason != "" {
			fmt.Fprintf(&sb, ": %s", row.Reason)
		}
		if row.ExpiresAt != nil {
			fmt.Fprintf(
				&sb,
				" (until %s)",
				row.ExpiresAt.Format(time.DateOnly),
			)
		}
		sb.WriteString("\n")
	}
	return r.RespondEphemeral(ic.Interaction, sb.String())
}

func parseTempBanDuration(amount int64, unit string) (time.Duration, bool) {
	switch unit {
	case "seconds":
		return time.Duration(amount) * time.Second, true
	case "minutes":
		return time.Duration(amount) * time.Minute, true
	case "hours":
		return time.Duration(amount) * time.Hour, true
	case "days":
		return time.Duration(amount) * 24 * time.Hour, true
	}
	return 0, false
}

func formatSpan(amount int64, unit string) string {
	if amount == 1 {
		unit = strings.TrimSuffix(unit, "s")
	}
	return fmt.Sprintf("%d %s", amount, unit)
}
