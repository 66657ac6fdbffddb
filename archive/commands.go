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

package archive

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

// Commands returns the archive slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "archivefetch",
				Description: "Archive every attachment in a channel's history",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Channel to backfill",
						Required:    true,
					},
				},
			},
			Handler: s.handleFetchCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "archivesearch",
				Description: "Search archived files by filename",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "keyword",
						Description: "Text to look for in filenames",
						Required:    true,
					},
				},
			},
			Handler: s.handleSearchCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "archivestats",
				Description: "Show archive totals",
			},
			Handler: s.handleStatsCommand,
		},
	}
}

func (s *Service) handleFetchCommand(
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
			ic.Member.Roles,
			roles.CapAdminister,
		) {
		return r.RespondEphemeral(
			ic.Interaction,
			"You don't have permission to run a backfill.",
		)
	}
	channelID, ok := gateway.ChannelOption(ic, "channel")
	if !ok {
		return errors.New("archivefetch command missing channel option")
	}
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	res, err := s.Backfill(ctx, channelID)
	if errors.Is(err, ErrBackfillRunning) {
		return r.Followup(
			ic.Interaction,
			"A backfill is already running. Try again once it finishes.",
		)
	}
	if err != nil {
		s.logger.Error(
			"channel backfill failed",
			"channel_id", channelID,
			"error", err,
		)
		return r.Followup(
			ic.Interaction,
			fmt.Sprintf(
				"Backfill stopped early after archiving %d files. Check the logs.",
				res.Saved,
			),
		)
	}
	return r.Followup(
		ic.Interaction,
		fmt.Sprintf(
			"Backfill complete: archived %d files from %d messages.",
			res.Saved,
			res.Messages,
		),
	)
}

func (s *Service) handleSearchCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invokerID := ""
	if ic.Member != nil && ic.Member.User != nil {
		invokerID = ic.Member.User.ID
	}
	if invokerID == "" {
		return r.RespondEphemeral(
			ic.Interaction,
			"This command can only be used inside the server.",
		)
	}
	keyword, ok := gateway.StringOption(ic, "keyword")
	keyword = strings.TrimSpace(keyword)
	if !ok || keyword == "" {
		return r.RespondEphemeral(
			ic.Interaction,
			"Please provide a keyword to search for.",
		)
	}
	rows, err := s.Search(invokerID, keyword, 10)
	if errors.Is(err, ErrSearchCooldown) {
		return r.RespondEphemeral(
			ic.Interaction,
			"You've used all your searches for now. Try again later.",
		)
	}
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("No archived files match %q.", keyword),
		)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d files matching %q:\n", len(rows), keyword)
	for _, row := range rows {
		fmt.Fprintf(
			&sb,
			"- %s (%s, uploaded by <@%s> on %s)\n",
			row.Filename,
			formatBytes(row.Size),
			row.UploaderID,
			row.CreatedAt.Format(time.DateOnly),
		)
	}
	return r.RespondEphemeral(ic.Interaction, sb.String())
}

func (s *Service) handleStatsCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf(
			"Archive holds %d files (%s) across %d channels from %d uploaders.",
			stats.Files,
			formatBytes(stats.Bytes),
			stats.Channels,
			stats.Uploaders,
		),
	)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
