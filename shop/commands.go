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

package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/economy"
	"github.com/wardenlabs/warden/gateway"
)

// Commands returns the shop slash commands for registration with the
// gateway.
func (s *Service) Commands() []gateway.Command {
	return []gateway.Command{
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "shop",
				Description: "Browse the credit shop",
			},
			Handler: s.handleShopCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "buy",
				Description: "Buy an item from the shop",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "item",
						Description: "Name of the item to buy",
						Required:    true,
					},
				},
			},
			Handler: s.handleBuyCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "topspenders",
				Description: "Show who has spent the most credits",
			},
			Handler: s.handleTopSpendersCommand,
		},
		{
			ApplicationCommand: &discordgo.ApplicationCommand{
				Name:        "recentpurchases",
				Description: "Show the latest shop purchases",
			},
			Handler: s.handleRecentPurchasesCommand,
		},
	}
}

func (s *Service) handleShopCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	items, err := s.Items()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"The shop is empty right now.",
		)
	}
	var b strings.Builder
	b.WriteString("Shop catalog:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- %s — %d credits", item.Name, item.Price)
		if item.Stock >= 0 {
			fmt.Fprintf(&b, " (%d left)", item.Stock)
		}
		if item.Description != "" {
			fmt.Fprintf(&b, " — %s", item.Description)
		}
		b.WriteString("\n")
	}
	return r.RespondEphemeral(ic.Interaction, b.String())
}

func (s *Service) handleBuyCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	if ic.Member == nil || ic.Member.User == nil {
		return r.RespondEphemeral(
			ic.Interaction,
			"This command can only be used inside the server.",
		)
	}
	itemName, ok := gateway.StringOption(ic, "item")
	if !ok {
		return errors.New("buy command missing item option")
	}
	purchase, err := s.Buy(ic.Member.User.ID, itemName)
	switch {
	case err == nil:
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf(
				"You bought %s for %d credits. Receipt: %s",
				purchase.ItemName,
				purchase.Price,
				purchase.Receipt,
			),
		)
	case errors.Is(err, models.ErrShopItemNotFound):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("There is no item called %q.", itemName),
		)
	case errors.Is(err, models.ErrOutOfStock):
		return r.RespondEphemeral(
			ic.Interaction,
			fmt.Sprintf("%s is out of stock.", itemName),
		)
	case errors.Is(err, ErrAlreadyOwned):
		return r.RespondEphemeral(
			ic.Interaction,
			"You already own that item.",
		)
	case errors.Is(err, economy.ErrInsufficientFunds):
		return r.RespondEphemeral(
			ic.Interaction,
			"You don't have enough credits for that.",
		)
	default:
		return err
	}
}

func (s *Service) handleTopSpendersCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	rows, err := s.TopSpenders(10)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"Nobody has bought anything yet.",
		)
	}
	var b strings.Builder
	b.WriteString("Top spenders:\n")
	for i, row := range rows {
		fmt.Fprintf(
			&b,
			"%d. <@%s> — %d credits\n",
			i+1,
			row.UserID,
			row.Total,
		)
	}
	return r.Respond(ic.Interaction, b.String())
}

func (s *Service) handleRecentPurchasesCommand(
	_ context.Context,
	r gateway.Responder,
	ic *discordgo.InteractionCreate,
) error {
	rows, err := s.RecentPurchases(10)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return r.RespondEphemeral(
			ic.Interaction,
			"Nobody has bought anything yet.",
		)
	}
	var b strings.Builder
	b.WriteString("Recent purchases:\n")
	for _, row := range rows {
		fmt.Fprintf(
			&b,
			"- <@%s> bought %s for %d credits\n",
			row.UserID,
			row.ItemName,
			row.Price,
		)
	}
	return r.Respond(ic.Interaction, b.String())
}
