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

package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// The platform rejects messages longer than this
const maxReplyLength = 2000

// Commands returns the quota slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "quotareport",
				Description: "Show weekly attachment counts and time until reset",
			},
			Handler: s.handleReportCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "quotasweep",
				Description: "Remove Members below the weekly attachment minimum",
			},
			Handler: s.handleSweepCommand,
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
	if !s.directory.HasCapability(ic.Member.Roles, roles.CapAdminister) {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"You don't have permission to manage the posting quota.",
		)
		return false
	}
	return true
}

func (s *Service) handleReportCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	rows, err := s.Counts()
	if err != nil {
		return err
	}
	var sb strings.Builder
	if len(rows) == 0 {
		sb.WriteString("No attachment counts recorded this week.\n")
	} else {
		sb.WriteString("Weekly attachment counts:\n")
		for _, row := range rows {
			fmt.Fprintf(&sb, "<@%s>: %d attachments\n", row.UserID, row.Count)
		}
	}
	until := s.NextReset().Sub(s.now())
	fmt.Fprintf(
		&sb,
		"\nCounts reset %s at %s Eastern. "+
			"Members below %d attachments at the reset are removed.\n"+
			"Time until reset: %s",
		s.config.ResetWeekday,
		formatClock(s.config.ResetHour, s.config.ResetMinute),
		s.config.Minimum,
		formatCountdown(until),
	)
	return r.RespondEphemeral(ic.Interaction, truncateReply(sb.String()))
}

func (s *Service) handleSweepCommand(
	ctx context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if !s.checkCapability(r, ic) {
		return nil
	}
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	kicked := s.Sweep(ctx)
	return r.Followup(
		ic.Interaction,
		fmt.Sprintf(
			"Quota sweep complete: removed %d members below %d attachments.",
			kicked,
			s.config.Minimum,
		),
	)
}

func formatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

func formatClock(hour, minute int) string {
	return time.Date(0, 1, 1, hour, minute, 0, 0, time.UTC).Format("3:04 PM")
}

func truncateReply(reply string) string {
	if len(reply) <= maxReplyLength {
		return reply
	}
	return reply[:maxReplyLength-3] + "..."
}
