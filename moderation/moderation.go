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

// Package moderation implements the guild moderation commands. Every
// action leaves a durable row, and tempban expirations are scheduled
// from those rows so they survive restarts.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

const (
	// DefaultMutedRoleName is the managed role that silences a member
	DefaultMutedRoleName = "Muted"

	// How long a scheduled unban may take against the platform
	unbanTimeout = 30 * time.Second
	// A failed unban is retried after this delay; the row stays
	// unresolved so a restart retries it too
	unbanRetryDelay = 5 * time.Minute

	defaultLogLimit = 10
)

var (
	// ErrNotMuted is returned when unmuting a member who does not hold
	// the muted role.
	ErrNotMuted = errors.New("member is not muted")
	// ErrUnbanNotScheduled indicates a ban was applied but the row
	// scheduling its automatic unban could not be written.
	ErrUnbanNotScheduled = errors.New("ban applied but unban not scheduled")
)

// GuildActions is the slice of the gateway moderation consumes.
type GuildActions interface {
	Member(ctx context.Context, userID string) (*discordgo.Member, error)
	Kick(ctx context.Context, userID string, reason string) error
	Ban(ctx context.Context, userID string, reason string, purgeDays int) error
	Unban(ctx context.Context, userID string) error
	AddMemberRole(ctx context.Context, userID string, roleID string) error
	RemoveMemberRole(ctx context.Context, userID string, roleID string) error
	PurgeMessages(ctx context.Context, channelID string, limit int) (int, error)
}

// RoleDirectory supplies the managed muted role and capability
// answers.
type RoleDirectory interface {
	EnsureRole(ctx context.Context, name string) (*discordgo.Role, error)
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	DB           metadata.MetadataStore
	Guild        GuildActions
	Directory    RoleDirectory
	GuildID      string
	// MutedRoleName overrides the managed muted role name; empty
	// selects the default
	MutedRoleName string
}

// Service applies moderation actions and keeps their durable record.
type Service struct {
	config  Config
	metrics struct {
		actions *prometheus.CounterVec
	}
	logger    *slog.Logger
	db        metadata.MetadataStore
	guild     GuildActions
	directory RoleDirectory
	now       func() time.Time

	timerMutex  sync.Mutex
	unbanTimers map[uint]*time.Timer
	stopped     bool
	unbanWG     sync.WaitGroup
}

func New(cfg Config) *Service {
	if cfg.MutedRoleName == "" {
		cfg.MutedRoleName = DefaultMutedRoleName
	}
	s := &Service{
		config:      cfg,
		db:          cfg.DB,
		guild:       cfg.Guild,
		directory:   cfg.Directory,
		now:         time.Now,
		unbanTimers: make(map[uint]*time.Timer),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "moderation")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.actions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_moderation_actions_total",
			Help: "moderation actions recorded by action type",
		},
		[]string{"action"},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.ReadyEventType,
			func(_ event.Event) {
				// Rows created while the session was down still get
				// their unbans armed
				if _, err := s.RearmPending(); err != nil {
					s.logger.Error(
						"failed to re-arm pending unbans",
						"error", err,
					)
				}
			},
		)
	}
	return s
}

// Stop cancels the scheduled unban timers and waits for any in-flight
// unban to finish. Unresolved rows are re-armed on the next start.
func (s *Service) Stop() {
	s.timerMutex.Lock()
	s.stopped = true
	for id, timer := range s.unbanTimers {
		timer.Stop()
		delete(s.unbanTimers, id)
	}
	s.timerMutex.Unlock()
	s.unbanWG.Wait()
}

func (s *Service) record(
	action string,
	actorID string,
	targetID string,
	reason string,
	expiresAt *time.Time,
) (*models.ModerationAction, error) {
	row := &models.ModerationAction{
		Action:    action,
		ActorID:   actorID,
		TargetID:  targetID,
		GuildID:   s.config.GuildID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}
	if err := s.db.DB().Create(row).Error; err != nil {
		return nil, fmt.Errorf("record %s action: %w", action, err)
	}
	s.metrics.actions.WithLabelValues(action).Inc()
	return row, nil
}

// Warn records a warning. The row is the warning, so a failed insert
// fails the command.
func (s *Service) Warn(actorID, targetID, reason string) error {
	_, err := s.record(models.ActionWarn, actorID, targetID, reason, nil)
	return err
}

// Kick removes a member and records the action.
func (s *Service) Kick(
	ctx context.Context,
	actorID string,
	targetID string,
	reason string,
) error {
	if err := s.guild.Kick(ctx, targetID, reason); err != nil {
		return err
	}
	if _, err := s.record(
		models.ActionKick, actorID, targetID, reason, nil,
	); err != nil {
		s.logger.Error(
			"kick applied but not recorded",
			"user_id", targetID,
			"error", err,
		)
	}
	s.logger.Info(
		"member kicked",
		"user_id", targetID,
		"actor_id", actorID,
		"reason", reason,
	)
	return nil
}

// Ban permanently bans a user and records the action.
func (s *Service) Ban(
	ctx context.Context,
	actorID string,
	targetID string,
	reason string,
) error {
	if err := s.guild.Ban(ctx, targetID, reason, 0); err != nil {
		return err
	}
	if _, err := s.record(
		models.ActionBan, actorID, targetID, reason, nil,
	); err != nil {
		s.logger.Error(
			"ban applied but not recorded",
			"user_id", targetID,
			"error", err,
		)
	}
	s.logger.Info(
		"user banned",
		"user_id", targetID,
		"actor_id", actorID,
		"reason", reason,
	)
	return nil
}

// TempBan bans a user and schedules the unban. Returns the unban
// time. The schedule lives in the action row, so if the row cannot be
// written the ban stands but ErrUnbanNotScheduled is returned.
func (s *Service) TempBan(
	ctx context.Context,
	actorID string,
	targetID string,
	reason string,
	d time.Duration,
) (time.Time, error) {
	if err := s.guild.Ban(ctx, targetID, reason, 0); err != nil {
		return time.Time{}, err
	}
	expiresAt := s.now().Add(d)
	row, err := s.record(
		models.ActionTempBan, actorID, targetID, reason, &expiresAt,
	)
	if err != nil {
		s.logger.Error(
			"tempban applied but not recorded",
			"user_id", targetID,
			"error", err,
		)
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnbanNotScheduled, err)
	}
	s.armUnban(row.ID, expiresAt)
	s.logger.Info(
		"user temporarily banned",
		"user_id", targetID,
		"actor_id", actorID,
		"until", expiresAt.Format(time.RFC1123),
	)
	return expiresAt, nil
}

// RearmPending schedules unbans for every unresolved tempban row and
// returns how many were armed. Rows already past their expiry fire
// immediately.
func (s *Service) RearmPending() (int, error) {
	var rows []models.ModerationAction
	result := s.db.DB().
		Where(
			"action = ? AND resolved = ? AND guild_id = ?",
			models.ActionTempBan,
			false,
			s.config.GuildID,
		).
		Find(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("list pending tempbans: %w", result.Error)
	}
	armed := 0
	for _, row := range rows {
		if row.ExpiresAt == nil {
			s.logger.Warn(
				"tempban row has no expiry, skipping",
				"row_id", row.ID,
			)
			continue
		}
		s.armUnban(row.ID, *row.ExpiresAt)
		armed++
	}
	if armed > 0 {
		s.logger.Info("re-armed pending unbans", "count", armed)
	}
	return armed, nil
}

func (s *Service) armUnban(rowID uint, fireAt time.Time) {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.stopped {
		return
	}
	if timer, ok := s.unbanTimers[rowID]; ok {
		timer.Stop()
	}
	s.unbanTimers[rowID] = time.AfterFunc(
		time.Until(fireAt),
		func() {
			s.runUnban(rowID)
		},
	)
}

func (s *Service) runUnban(rowID uint) {
	s.timerMutex.Lock()
	if s.stopped {
		s.timerMutex.Unlock()
		return
	}
	// Track this unban while we know the service is running
	s.unbanWG.Add(1)
	delete(s.unbanTimers, rowID)
	s.timerMutex.Unlock()
	defer s.unbanWG.Done()

	var row models.ModerationAction
	if err := s.db.DB().First(&row, rowID).Error; err != nil {
		s.logger.Error(
			"failed to load tempban row",
			"row_id", rowID,
			"error", err,
		)
		return
	}
	if row.Resolved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unbanTimeout)
	defer cancel()
	err := s.guild.Unban(ctx, row.TargetID)
	if err != nil && !gateway.IsNotFound(err) {
		s.logger.Error(
			"failed to unban, will retry",
			"user_id", row.TargetID,
			"error", err,
		)
		s.armUnban(rowID, s.now().Add(unbanRetryDelay))
		return
	}
	// A 404 means the ban was already lifted by hand; either way the
	// row is resolved
	alreadyLifted := err != nil
	if err := s.db.DB().Model(&row).Update("resolved", true).Error; err != nil {
		s.logger.Error(
			"failed to mark tempban resolved",
			"row_id", rowID,
			"error", err,
		)
	}
	if alreadyLifted {
		return
	}
	if _, err := s.record(
		models.ActionUnban, row.ActorID, row.TargetID, "Tempban expired", nil,
	); err != nil {
		s.logger.Error(
			"unban applied but not recorded",
			"user_id", row.TargetID,
			"error", err,
		)
	}
	s.logger.Info("tempban expired, user unbanned", "user_id", row.TargetID)
}

// Mute grants the managed muted role, creating the role on first use.
func (s *Service) Mute(
	ctx context.Context,
	actorID string,
	targetID string,
	reason string,
) error {
	role, err := s.directory.EnsureRole(ctx, s.config.MutedRoleName)
	if err != nil {
		return fmt.Errorf("ensure muted role: %w", err)
	}
	if err := s.guild.AddMemberRole(ctx, targetID, role.ID); err != nil {
		return err
	}
	if _, err := s.record(
		models.ActionMute, actorID, targetID, reason, nil,
	); err != nil {
		s.logger.Error(
			"mute applied but not recorded",
			"user_id", targetID,
			"error", err,
		)
	}
	s.logger.Info(
		"member muted",
		"user_id", targetID,
		"actor_id", actorID,
		"reason", reason,
	)
	return nil
}

// Unmute removes the managed muted role. Members not holding the role
// return ErrNotMuted.
func (s *Service) Unmute(
	ctx context.Context,
	actorID string,
	targetID string,
) error {
	role, err := s.directory.EnsureRole(ctx, s.config.MutedRoleName)
	if err != nil {
		return fmt.Errorf("ensure muted role: %w", err)
	}
	member, err := s.guild.Member(ctx, targetID)
	if err != nil {
		return err
	}
	if !slices.Contains(member.Roles, role.ID) {
		return ErrNotMuted
	}
	if err := s.guild.RemoveMemberRole(ctx, targetID, role.ID); err != nil {
		return err
	}
	if _, err := s.record(
		models.ActionUnmute, actorID, targetID, "", nil,
	); err != nil {
		s.logger.Error(
			"unmute applied but not recorded",
			"user_id", targetID,
			"error", err,
		)
	}
	s.logger.Info("member unmuted", "user_id", targetID, "actor_id", actorID)
	return nil
}

// Purge deletes up to amount recent messages from a channel and
// records the action against the channel id.
func (s *Service) Purge(
	ctx context.Context,
	actorID string,
	channelID string,
	amount int,
) (int, error) {
	deleted, err := s.guild.PurgeMessages(ctx, channelID, amount)
	if err != nil {
		return deleted, err
	}
	if _, err := s.record(
		models.ActionPurge,
		actorID,
		channelID,
		fmt.Sprintf("%d messages", deleted),
		nil,
	); err != nil {
		s.logger.Error(
			"purge applied but not recorded",
			"channel_id", channelID,
			"error", err,
		)
	}
	s.logger.Info(
		"channel purged",
		"channel_id", channelID,
		"actor_id", actorID,
		"deleted", deleted,
	)
	return deleted, nil
}

// Recent returns a member's newest moderation rows, most recent
// first.
func (s *Service) Recent(
	targetID string,
	limit int,
) ([]models.ModerationAction, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	var rows []models.ModerationAction
	result := s.db.DB().
		Where(
			"guild_id = ? AND target_id = ?",
			s.config.GuildID,
			targetID,
		).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("list moderation actions: %w", result.Error)
	}
	return rows, nil
}
