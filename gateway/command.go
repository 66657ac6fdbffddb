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

package gateway

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// Responder answers a slash-command interaction. The gateway
// implements it against the live session; feature tests substitute
// a fake.
type Responder interface {
	// Respond sends an immediate visible reply.
	Respond(i *discordgo.Interaction, content string) error
	// RespondEphemeral sends an immediate reply visible only to the
	// invoking user.
	RespondEphemeral(i *discordgo.Interaction, content string) error
	// Defer acknowledges the interaction so a slow handler can
	// follow up past the platform's reply deadline.
	Defer(i *discordgo.Interaction) error
	// Followup sends a message after Defer.
	Followup(i *discordgo.Interaction, content string) error
}

// CommandHandlerFunc executes one slash command invocation. A
// returned error is logged and surfaced to the invoking user as a
// generic ephemeral failure message.
type CommandHandlerFunc func(
	ctx context.Context,
	r Responder,
	i *discordgo.InteractionCreate,
) error

// Command pairs an application command definition with its handler.
// Feature packages contribute slices of these; the gateway registers
// the definitions with the platform after Ready and dispatches
// incoming interactions by command name.
type Command struct {
	ApplicationCommand *discordgo.ApplicationCommand
	Handler            CommandHandlerFunc
}

// OptionMap indexes an interaction's options by name for lookup
// convenience in handlers.
func OptionMap(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	ret := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(data.Options),
	)
	for _, opt := range data.Options {
		ret[opt.Name] = opt
	}
	return ret
}

// StringOption returns the named string option's value. Unlike the
// discordgo accessor it never panics on a missing or mistyped option.
func StringOption(i *discordgo.InteractionCreate, name string) (string, bool) {
	opt, ok := OptionMap(i)[name]
	if !ok {
		return "", false
	}
	val, ok := opt.Value.(string)
	return val, ok
}

// IntOption returns the named integer option's value.
func IntOption(i *discordgo.InteractionCreate, name string) (int64, bool) {
	opt, ok := OptionMap(i)[name]
	if !ok {
		return 0, false
	}
	// JSON numbers decode as float64
	val, ok := opt.Value.(float64)
	return int64(val), ok
}

// UserOption returns the user id carried by the named user option.
func UserOption(i *discordgo.InteractionCreate, name string) (string, bool) {
	opt, ok := OptionMap(i)[name]
	if !ok {
		return "", false
	}
	id, ok := opt.Value.(string)
	return id, ok && id != ""
}

// ChannelOption returns the channel id carried by the named channel
// option.
func ChannelOption(i *discordgo.InteractionCreate, name string) (string, bool) {
	opt, ok := OptionMap(i)[name]
	if !ok {
		return "", false
	}
	id, ok := opt.Value.(string)
	return id, ok && id != ""
}
