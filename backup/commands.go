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

package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// Commands returns the backup slash commands.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "backupnow",
				Description: "Take a guild snapshot immediately",
			},
			Handler: s.handleBackupNowCommand,
		},
	}
}

func (s *Service) handleBackupNowCommand(
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
	// The member walk behind a snapshot can outlast the reply deadline
	if err := r.Defer(ic.Interaction); err != nil {
		return err
	}
	result, err := s.Snapshot(ctx)
	switch {
	case errors.Is(err, ErrBackupInProgress):
		return r.Followup(ic.Interaction, "A backup is already running.")
	case err != nil:
		return err
	}
	content := fmt.Sprintf(
		"Backup complete: %d members, %d channels, and %d roles saved.",
		result.Members,
		result.Channels,
		result.Roles,
	)
	if !result.Encrypted {
		content += " Warning: no encryption key is configured, so the snapshot is stored unencrypted."
	}
	return r.Followup(ic.Interaction, content)
}
