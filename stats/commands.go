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

package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

const dateFormat = "January 2, 2006"

// RoleDirectory answers capability checks for the gated statistics
// command.
type RoleDirectory interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

// Commands returns the statistics slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "serverstats",
				Description: "Show detailed statistics of the server",
			},
			Handler: s.handleServerStatsCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "userinfo",
				Description: "Show information about a member",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "The member to look up, yourself if omitted",
					},
				},
			},
			Handler: s.handleUserInfoCommand,
		},
	}
}

func (s *Service) handleServerStatsCommand(
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
	// Walking the full member list can outlast the reply deadline
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	guild, err := s.guild.Guild(ctx)
	if err != nil {
		return err
	}
	channels, err := s.guild.Channels(ctx)
	if err != nil {
		return err
	}
	guildRoles, err := s.guild.Roles(ctx)
	if err != nil {
		return err
	}
	members, err := s.guild.Members(ctx)
	if err != nil {
		return err
	}
	textChannels, voiceChannels, categories := 0, 0, 0
	for _, channel := range channels {
		switch channel.Type {
		case discordgo.ChannelTypeGuildText:
			textChannels++
		case discordgo.ChannelTypeGuildVoice:
			voiceChannels++
		case discordgo.ChannelTypeGuildCategory:
			categories++
		}
	}
	bots := 0
	for _, member := range members {
		if member.User != nil && member.User.Bot {
			bots++
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Statistics for %s:\n", guild.Name)
	fmt.Fprintf(
		&sb,
		"- Members: %d (about %d online)\n",
		guild.ApproximateMemberCount,
		guild.ApproximatePresenceCount,
	)
	fmt.Fprintf(&sb, "- Bots: %d\n", bots)
	fmt.Fprintf(
		&sb,
		"- Text channels: %d, voice channels: %d, categories: %d\n",
		textChannels,
		voiceChannels,
		categories,
	)
	fmt.Fprintf(&sb, "- Roles: %d\n", len(guildRoles))
	if created, err := discordgo.SnowflakeTimestamp(guild.ID); err == nil {
		fmt.Fprintf(&sb, "- Created: %s\n", created.Format(dateFormat))
	}
	return r.Followup(ic.Interaction, sb.String())
}

func (s *Service) handleUserInfoCommand(
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
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		targetID = ic.Member.User.ID
	}
	member, err := s.guild.Member(ctx, targetID)
	if gateway.IsNotFound(err) {
		return r.RespondEphemeral(
			ic.Interaction,
			"That user isn't in the server.",
		)
	}
	if err != nil {
		return err
	}
	guildRoles, err := s.guild.Roles(ctx)
	if err != nil {
		return err
	}
	roleNames := make(map[string]string, len(guildRoles))
	for _, role := range guildRoles {
		roleNames[role.ID] = role.Name
	}
	var names []string
	for _, roleID := range member.Roles {
		if name, ok := roleNames[roleID]; ok {
			names = append(names, name)
		}
	}
	roleList := "none"
	if len(names) > 0 {
		roleList = strings.Join(names, ", ")
	}
	created := "unknown"
	if ts, err := discordgo.SnowflakeTimestamp(targetID); err == nil {
		created = ts.Format(dateFormat)
	}
	joined := "unknown"
	if !member.JoinedAt.IsZero() {
		joined = member.JoinedAt.Format(dateFormat)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "User information for <@%s>:\n", targetID)
	fmt.Fprintf(&sb, "- User ID: %s\n", targetID)
	fmt.Fprintf(&sb, "- Display name: %s\n", displayName(member))
	fmt.Fprintf(&sb, "- Account created: %s\n", created)
	fmt.Fprintf(&sb, "- Joined server: %s\n", joined)
	fmt.Fprintf(&sb, "- Roles: %s\n", roleList)
	fmt.Fprintf(&sb, "- Messages sent: %d\n", s.MessageCount(targetID))
	fmt.Fprintf(&sb, "- Voice time: %s\n", formatVoiceTime(s.VoiceTime(targetID)))
	return r.Respond(ic.Interaction, sb.String())
}

func displayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User == nil {
		return "unknown"
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

func formatVoiceTime(d time.Duration) string {
	return fmt.Sprintf("%.2f hours", d.Hours())
}
