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

package economy

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

// Commands returns the economy slash commands for registration with
// the gateway.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "balance",
				Description: "Show a member's credit balance",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "Member to look up (defaults to you)",
					},
				},
			},
			Handler: s.handleBalanceCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "pay",
				Description: "Transfer credits to another member",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "Recipient",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "amount",
						Description: "Credits to transfer",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "note",
						Description: "Optional note for the journal",
					},
				},
			},
			Handler: s.handlePayCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "daily",
				Description: "Claim your daily credits",
			},
			Handler: s.handleDailyCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "history",
				Description: "Show your recent transactions",
			},
			Handler: s.handleHistoryCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "leaderboard",
				Description: "Show the richest members",
			},
			Handler: s.handleLeaderboardCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "ecoadmin",
				Description: "Credit or debit a member's balance",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "Member to adjust",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "amount",
						Description: "Signed amount (negative debits)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "note",
						Description: "Reason for the adjustment",
					},
				},
			},
			Handler: s.handleAdminCommand,
		},
	}
}

func guildMember(
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) (*discordgo.Member, bool) {
	if ic.Member == nil || ic.Member.User == nil {
		_ = r.RespondEphemeral(
			ic.Interaction,
			"This command can only be used inside the server.",
		)
		return nil, false
	}
	return ic.Member, true
}

func (s *Service) handleBalanceCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invoker, ok := guildMember(r, ic)
	if !ok {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		targetID = invoker.User.ID
	}
	amount, err := s.Balance(targetID)
	if err != nil {
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("<@%s> has %d credits.", targetID, amount),
	)
}

func (s *Service) handlePayCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invoker, ok := guildMember(r, ic)
	if !ok {
		return nil
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		return errors.New("pay command missing member option")
	}
	amount, ok := gateway.IntOption(ic, "amount")
	if !ok {
		return errors.New("pay command missing amount option")
	}
	note, _ := gateway.StringOption(ic, "note")
	err := s.Transfer(invoker.User.ID, targetID, amount, note)
	switch {
	case err == nil:
		return r.Respond(
			ic.Interaction,
			fmt.Sprintf(
				"<@%s> paid <@%s> %d credits.",
				invoker.User.ID,
				targetID,
				amount,
			),
		)
	case errors.Is(err, ErrInvalidAmount):
		return r.RespondEphemeral(
			ic.Interaction,
			"The amount must be a positive number.",
		)
	case errors.Is(err, ErrSelfTransfer):
		return r.RespondEphemeral(
			ic.Interaction,
			"You can't pay yourself.",
		)
	case errors.Is(err, ErrInsufficientFunds):
		return r.RespondEphemeral(
			ic.Interaction,
			"You don't have enough credits for that.",
		)
	default:
		return err
	}
}

func (s *Service) handleDailyCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invoker, ok := guildMember(r, ic)
	if !ok {
		return nil
	}
	amount, err := s.Daily(invoker.User.ID)
	if err != nil {
		var claimed *DailyClaimedError
		if errors.As(err, &claimed) {
			wait := time.Until(claimed.NextClaim).Round(time.Minute)
			if wait < 0 {
				wait = 0
			}
			return r.RespondEphemeral(
				ic.Interaction,
				fmt.Sprintf(
					"You already claimed today's reward. Try again in %s.",
					wait,
				),
			)
		}
		return err
	}
	return r.RespondEphemeral(
		ic.Interaction,
		fmt.Sprintf("You claimed %d daily credits.", amount),
	)
}

func (s *Service) handleHistoryCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invoker, ok := guildMember(r, ic)
	if !ok {
		return nil
	}
	rows, err := s.History(invoker.User.ID, 10)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"You have no transactions yet.",
		)
	}
	var b strings.Builder
	b.WriteString("Your recent transactions:\n")
	for _, row := range rows {
		fmt.Fprintf(
			&b,
			"%s  %+d (%s)",
			row.CreatedAt.Format("2006-01-02"),
			row.Amount,
			row.Kind,
		)
		if row.Note != "" {
			fmt.Fprintf(&b, " — %s", row.Note)
		}
		b.WriteString("\n")
	}
	return r.RespondEphemeral(ic.Interaction, b.String())
}

func (s *Service) handleLeaderboardCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	rows, err := s.Leaderboard(10)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"Nobody has any credits yet.",
		)
	}
	var b strings.Builder
	b.WriteString("Top balances:\n")
	for i, row := range rows {
		fmt.Fprintf(
			&b,
			"%d. <@%s> — %d credits\n",
			i+1,
			row.UserID,
			row.Amount,
		)
	}
	return r.Respond(ic.Interaction, b.String())
}

func (s *Service) handleAdminCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	invoker, ok := guildMember(r, ic)
	if !ok {
		return nil
	}
	if !s.directory.HasCapability(invoker.Roles, roles.CapAdminister) {
		return r.RespondEphemeral(
			ic.Interaction,
			"You don't have permission to adjust balances.",
		)
	}
	targetID, ok := gateway.UserOption(ic, "member")
	if !ok {
		return errors.New("ecoadmin command missing member option")
	}
	amount, ok := gateway.IntOption(ic, "amount")
	if !ok {
		return errors.New("ecoadmin command missing amount option")
	}
	note, _ := gateway.StringOption(ic, "note")
	newBalance, err := s.Adjust(targetID, amount, note)
	switch {
	case err == nil:
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf(
				"Adjusted <@%s> by %+d; new balance %d.",
				targetID,
				amount,
				newBalance,
			),
		)
	case errors.Is(err, ErrInvalidAmount):
		return r.RespondEphemeral(
			ic.Interaction,
			"The adjustment amount cannot be zero.",
		)
	case errors.Is(err, ErrInsufficientFunds):
		return r.RespondEphemeral(
			ic.Interaction,
			"That debit would take the balance below zero.",
		)
	default:
		return err
	}
}
