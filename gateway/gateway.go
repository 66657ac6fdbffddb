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

// Package gateway adapts the Discord session to the rest of the bot.
// Inbound platform events are translated into bus events, slash
// commands are registered and dispatched by name, and outbound guild
// operations are exposed as methods for feature packages to consume
// through their own narrow interfaces.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/event"
)

// DefaultIntents covers every platform event the feature packages
// consume: guild lifecycle, member joins, messages with attachments,
// and voice state.
const DefaultIntents = discordgo.IntentGuilds |
	discordgo.IntentGuildMembers |
	discordgo.IntentGuildMessages |
	discordgo.IntentGuildVoiceStates |
	discordgo.IntentDirectMessages |
	discordgo.IntentMessageContent

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Token        string
	GuildID      string
	Intents      discordgo.Intent
}

type Gateway struct {
	config  Config
	metrics struct {
		eventsTotal   *prometheus.CounterVec
		commandsTotal *prometheus.CounterVec
		commandErrors *prometheus.CounterVec
	}
	logger         *slog.Logger
	eventBus       *event.EventBus
	session        *discordgo.Session
	responder      Responder
	commands       map[string]Command
	removeHandlers []func()
	ctx            context.Context
	cancel         context.CancelFunc
	commandsMutex  sync.RWMutex
	syncOnce       sync.Once
}

var _ Responder = (*Gateway)(nil)

// New builds a gateway around a fresh session. The session is not
// opened until Start.
func New(cfg Config) (*Gateway, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	intents := cfg.Intents
	if intents == 0 {
		intents = DefaultIntents
	}
	session.Identify.Intents = intents
	g := &Gateway{
		config:   cfg,
		eventBus: cfg.EventBus,
		session:  session,
		commands: make(map[string]Command),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		g.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		g.logger = cfg.Logger.With("component", "gateway")
	}
	g.responder = g
	// Init metrics
	promautoFactory := promauto.With(cfg.PromRegistry)
	g.metrics.eventsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_events_total",
			Help: "platform events published to the bus by type",
		},
		[]string{"type"},
	)
	g.metrics.commandsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_commands_total",
			Help: "slash command invocations by command",
		},
		[]string{"command"},
	)
	g.metrics.commandErrors = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_gateway_command_errors_total",
			Help: "slash command failures by command",
		},
		[]string{"command"},
	)
	g.removeHandlers = []func(){
		session.AddHandler(g.handleReady),
		session.AddHandler(g.handleResumed),
		session.AddHandler(g.handleDisconnect),
		session.AddHandler(g.handleGuildMemberAdd),
		session.AddHandler(g.handleMessageCreate),
		session.AddHandler(g.handleGuildRoleCreate),
		session.AddHandler(g.handleGuildRoleUpdate),
		session.AddHandler(g.handleGuildRoleDelete),
		session.AddHandler(g.handleVoiceStateUpdate),
		session.AddHandler(g.handleInteractionCreate),
	}
	return g, nil
}

// Start opens the session. Commands registered before this point are
// pushed to the platform when the session identifies.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("open gateway session: %w", err)
	}
	return nil
}

// Stop removes all handlers and closes the session.
func (g *Gateway) Stop() error {
	for _, remove := range g.removeHandlers {
		remove()
	}
	g.removeHandlers = nil
	if g.cancel != nil {
		g.cancel()
	}
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("close gateway session: %w", err)
	}
	return nil
}

// RegisterCommands adds commands to the dispatch table. Call before
// Start: definitions are pushed to the platform once per process, when
// the session first identifies.
func (g *Gateway) RegisterCommands(cmds []Command) {
	g.commandsMutex.Lock()
	defer g.commandsMutex.Unlock()
	for _, cmd := range cmds {
		if cmd.ApplicationCommand == nil || cmd.Handler == nil {
			continue
		}
		g.commands[cmd.ApplicationCommand.Name] = cmd
	}
}

// SessionUserID returns the bot's own user id, or empty before the
// session has identified.
func (g *Gateway) SessionUserID() string {
	if g.session.State != nil && g.session.State.User != nil {
		return g.session.State.User.ID
	}
	return ""
}

func (g *Gateway) publish(eventType event.EventType, data any) {
	g.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	if g.eventBus == nil {
		return
	}
	g.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}

func (g *Gateway) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	synced := false
	g.syncOnce.Do(func() {
		synced = true
		g.logger.Info(
			"session identified",
			"user_id", r.User.ID,
			"guild_id", g.config.GuildID,
		)
		if err := g.syncCommands(); err != nil {
			g.logger.Error(
				"failed to sync application commands",
				"error", err,
			)
		}
	})
	if !synced {
		g.logger.Info("gateway reconnected")
	}
	g.publish(ReadyEventType, ReadyEvent{SessionUserID: r.User.ID})
}

func (g *Gateway) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	g.logger.Info("gateway session resumed")
}

func (g *Gateway) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	g.logger.Warn("gateway connection lost")
	g.publish(DisconnectEventType, DisconnectEvent{})
}

// syncCommands overwrites the guild's application command set with
// every registered definition, sorted for a stable payload.
func (g *Gateway) syncCommands() error {
	g.commandsMutex.RLock()
	defs := make([]*discordgo.ApplicationCommand, 0, len(g.commands))
	for _, cmd := range g.commands {
		defs = append(defs, cmd.ApplicationCommand)
	}
	g.commandsMutex.RUnlock()
	if len(defs) == 0 {
		return nil
	}
	slices.SortFunc(
		defs,
		func(a, b *discordgo.ApplicationCommand) int {
			return strings.Compare(a.Name, b.Name)
		},
	)
	_, err := g.session.ApplicationCommandBulkOverwrite(
		g.session.State.User.ID,
		g.config.GuildID,
		defs,
	)
	if err != nil {
		return fmt.Errorf("bulk overwrite application commands: %w", err)
	}
	g.logger.Info(
		"application commands synced",
		"count", len(defs),
		"guild_id", g.config.GuildID,
	)
	return nil
}

func (g *Gateway) handleGuildMemberAdd(
	_ *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	if m.GuildID != g.config.GuildID || m.User == nil {
		return
	}
	g.publish(
		MemberJoinEventType,
		MemberJoinEvent{
			UserID:   m.User.ID,
			GuildID:  m.GuildID,
			JoinedAt: m.JoinedAt,
		},
	)
}

func (g *Gateway) handleMessageCreate(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.GuildID != g.config.GuildID || m.Author == nil {
		return
	}
	attachments := make([]Attachment, 0, len(m.Attachments))
	for _, att := range m.Attachments {
		attachments = append(
			attachments,
			Attachment{
				ID:       att.ID,
				Filename: att.Filename,
				URL:      att.URL,
				Size:     att.Size,
			},
		)
	}
	g.publish(
		MessageEventType,
		MessageEvent{
			MessageID:   m.ID,
			ChannelID:   m.ChannelID,
			GuildID:     m.GuildID,
			AuthorID:    m.Author.ID,
			Content:     m.Content,
			Attachments: attachments,
			Bot:         m.Author.Bot,
		},
	)
}

func (g *Gateway) handleGuildRoleCreate(
	_ *discordgo.Session,
	r *discordgo.GuildRoleCreate,
) {
	g.publishRoleUpdate(r.GuildID, r.Role)
}

func (g *Gateway) handleGuildRoleUpdate(
	_ *discordgo.Session,
	r *discordgo.GuildRoleUpdate,
) {
	g.publishRoleUpdate(r.GuildID, r.Role)
}

func (g *Gateway) handleGuildRoleDelete(
	_ *discordgo.Session,
	r *discordgo.GuildRoleDelete,
) {
	if r.GuildID != g.config.GuildID {
		return
	}
	g.publish(
		RoleUpdateEventType,
		RoleUpdateEvent{GuildID: r.GuildID, RoleID: r.RoleID},
	)
}

func (g *Gateway) publishRoleUpdate(guildID string, role *discordgo.Role) {
	if guildID != g.config.GuildID || role == nil {
		return
	}
	g.publish(
		RoleUpdateEventType,
		RoleUpdateEvent{
			GuildID:  guildID,
			RoleID:   role.ID,
			RoleName: role.Name,
		},
	)
}

func (g *Gateway) handleVoiceStateUpdate(
	_ *discordgo.Session,
	v *discordgo.VoiceStateUpdate,
) {
	if v.GuildID != g.config.GuildID {
		return
	}
	g.publish(
		VoiceStateEventType,
		VoiceStateEvent{UserID: v.UserID, ChannelID: v.ChannelID},
	)
}

func (g *Gateway) handleInteractionCreate(
	_ *discordgo.Session,
	ic *discordgo.InteractionCreate,
) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := ic.ApplicationCommandData().Name
	g.commandsMutex.RLock()
	cmd, ok := g.commands[name]
	g.commandsMutex.RUnlock()
	if !ok {
		g.logger.Warn("unknown command invoked", "command", name)
		return
	}
	g.metrics.commandsTotal.WithLabelValues(name).Inc()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(
				"panic in command handler",
				"command", name,
				"panic", r,
			)
			g.metrics.commandErrors.WithLabelValues(name).Inc()
		}
	}()
	ctx := g.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cmd.Handler(ctx, g.responder, ic); err != nil {
		g.logger.Error("command failed", "command", name, "error", err)
		g.metrics.commandErrors.WithLabelValues(name).Inc()
		// The handler may have already acknowledged the interaction,
		// in which case this fallback is rejected by the platform
		if err := g.responder.RespondEphemeral(
			ic.Interaction,
			"Something went wrong while running this command.",
		); err != nil {
			g.logger.Debug(
				"failed to deliver command error response",
				"command", name,
				"error", err,
			)
		}
	}
}

func (g *Gateway) Respond(i *discordgo.Interaction, content string) error {
	return g.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		},
	)
}

func (g *Gateway) RespondEphemeral(
	i *discordgo.Interaction,
	content string,
) error {
	return g.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

func (g *Gateway) Defer(i *discordgo.Interaction) error {
	return g.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
}

func (g *Gateway) Followup(i *discordgo.Interaction, content string) error {
	_, err := g.session.FollowupMessageCreate(
		i,
		true,
		&discordgo.WebhookParams{Content: content},
	)
	return err
}
