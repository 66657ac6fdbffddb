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

// Package quota tracks how many attachments each member posts per
// week and removes Members who fall below the weekly minimum. Counts
// accumulate from gateway message events and are zeroed once a week,
// Friday 23:30 Eastern by default.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
	// Embed tzdata so the Eastern reset schedule works in containers
	// without a system zoneinfo database
	_ "time/tzdata"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
	"gorm.io/gorm"
)

const (
	// DefaultMinimum attachments a Member must post each week
	DefaultMinimum = 5

	// Default weekly reset, Friday 23:30 Eastern
	defaultResetWeekday = time.Friday
	defaultResetHour    = 23
	defaultResetMinute  = 30
)

var easternTime = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load timezone %s: %v", name, err))
	}
	return loc
}

// GuildActions is the slice of the gateway the quota sweep consumes.
type GuildActions interface {
	Member(ctx context.Context, userID string) (*discordgo.Member, error)
	Kick(ctx context.Context, userID string, reason string) error
}

// RoleDirectory supplies the Member role handle and capability
// answers.
type RoleDirectory interface {
	Member() (*discordgo.Role, error)
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
	// Minimum attachments per week before the sweep removes a Member;
	// zero selects the default
	Minimum int
	// Weekly reset schedule in Eastern wall-clock time. An all-zero
	// schedule selects the default; a literal Sunday-midnight reset is
	// indistinguishable from unset and must use minute 1 or later
	ResetWeekday time.Weekday
	ResetHour    int
	ResetMinute  int
}

// Service owns the weekly attachment counters and the reset timer.
type Service struct {
	config  Config
	metrics struct {
		tracked prometheus.Counter
		kicked  prometheus.Counter
		resets  prometheus.Counter
	}
	logger    *slog.Logger
	db        metadata.MetadataStore
	guild     GuildActions
	directory RoleDirectory
	now       func() time.Time

	startOnce  sync.Once
	timerMutex sync.Mutex
	resetTimer *time.Timer
	stopped    bool
	resetWG    sync.WaitGroup
}

func New(cfg Config) *Service {
	if cfg.Minimum <= 0 {
		cfg.Minimum = DefaultMinimum
	}
	if cfg.ResetWeekday == 0 && cfg.ResetHour == 0 && cfg.ResetMinute == 0 {
		cfg.ResetWeekday = defaultResetWeekday
		cfg.ResetHour = defaultResetHour
		cfg.ResetMinute = defaultResetMinute
	}
	s := &Service{
		config:    cfg,
		db:        cfg.DB,
		guild:     cfg.Guild,
		directory: cfg.Directory,
		now:       time.Now,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "quota")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.tracked = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_quota_attachments_total",
			Help: "attachments counted toward the weekly quota",
		},
	)
	s.metrics.kicked = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_quota_kicked_total",
			Help: "members removed for missing the weekly quota",
		},
	)
	s.metrics.resets = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_quota_resets_total",
			Help: "weekly counter resets performed",
		},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.MessageEventType,
			s.handleMessageEvent,
		)
		cfg.EventBus.SubscribeFunc(
			gateway.ReadyEventType,
			func(_ event.Event) {
				// The ready event fires again after reconnects, so
				// Start must tolerate repeat calls
				s.Start()
			},
		)
	}
	return s
}

// Start arms the weekly reset timer. Safe to call more than once.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.logger.Info(
			"quota reset scheduled",
			"next_reset", s.NextReset().Format(time.RFC1123),
		)
		s.scheduleReset()
	})
}

// Stop cancels the reset timer and waits for an in-flight reset.
func (s *Service) Stop() {
	s.timerMutex.Lock()
	s.stopped = true
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.timerMutex.Unlock()
	s.resetWG.Wait()
}

func (s *Service) scheduleReset() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.stopped {
		return
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
	}
	s.resetTimer = time.AfterFunc(
		time.Until(s.NextReset()),
		func() {
			// schedule next run
			defer s.scheduleReset()
			s.runReset()
		},
	)
}

func (s *Service) runReset() {
	s.timerMutex.Lock()
	if s.stopped {
		s.timerMutex.Unlock()
		return
	}
	// Track this reset while we know the service is running
	s.resetWG.Add(1)
	s.timerMutex.Unlock()
	defer s.resetWG.Done()
	if err := s.ResetCounts(); err != nil {
		s.logger.Error("weekly quota reset failed", "error", err)
		return
	}
	s.logger.Info("weekly quota counts reset")
}

// NextReset returns the next scheduled reset instant after now.
func (s *Service) NextReset() time.Time {
	return nextReset(
		s.now(),
		s.config.ResetWeekday,
		s.config.ResetHour,
		s.config.ResetMinute,
	)
}

func nextReset(
	now time.Time,
	weekday time.Weekday,
	hour int,
	minute int,
) time.Time {
	local := now.In(easternTime)
	reset := time.Date(
		local.Year(),
		local.Month(),
		local.Day(),
		hour,
		minute,
		0,
		0,
		easternTime,
	)
	days := (int(weekday) - int(local.Weekday()) + 7) % 7
	reset = reset.AddDate(0, 0, days)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 7)
	}
	return reset
}

func (s *Service) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok || msg.Bot || len(msg.Attachments) == 0 {
		return
	}
	if err := s.Track(msg.AuthorID, len(msg.Attachments)); err != nil {
		s.logger.Error(
			"failed to record attachment count",
			"user_id", msg.AuthorID,
			"error", err,
		)
	}
}

// Track adds n attachments to a member's weekly count, creating the
// counter row on first post.
func (s *Service) Track(userID string, n int) error {
	if n <= 0 {
		return nil
	}
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var row models.AttachmentCount
		result := tx.Where(
			"user_id = ? AND guild_id = ?",
			userID,
			s.config.GuildID,
		).First(&row)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return tx.Create(&models.AttachmentCount{
					UserID:  userID,
					GuildID: s.config.GuildID,
					Count:   n,
				}).Error
			}
			return result.Error
		}
		return tx.Model(&row).Update("count", row.Count+n).Error
	})
	if err != nil {
		return fmt.Errorf("track attachments for %s: %w", userID, err)
	}
	s.metrics.tracked.Add(float64(n))
	return nil
}

// Counts returns every tracked member's weekly count, highest first.
func (s *Service) Counts() ([]models.AttachmentCount, error) {
	var rows []models.AttachmentCount
	result := s.db.DB().
		Where("guild_id = ?", s.config.GuildID).
		Order("count DESC, user_id ASC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("list attachment counts: %w", result.Error)
	}
	return rows, nil
}

// ResetCounts zeroes every counter. Rows are kept so the report can
// tell "reset this week" from "never posted".
func (s *Service) ResetCounts() error {
	result := s.db.DB().
		Model(&models.AttachmentCount{}).
		Where("count <> 0").
		Update("count", 0)
	if result.Error != nil {
		return fmt.Errorf("reset attachment counts: %w", result.Error)
	}
	s.metrics.resets.Inc()
	return nil
}

// Sweep kicks every tracked Member whose weekly count is below the
// minimum and returns the number removed. Failures on one member are
// logged and do not stop the rest; members the platform no longer
// knows are retired from the table.
func (s *Service) Sweep(ctx context.Context) int {
	memberRole, err := s.directory.Member()
	if err != nil {
		s.logger.Warn(
			"skipping quota sweep, role directory not ready",
			"error", err,
		)
		return 0
	}
	rows, err := s.Counts()
	if err != nil {
		s.logger.Error("quota sweep failed to list counts", "error", err)
		return 0
	}
	reason := fmt.Sprintf(
		"Fewer than %d attachments posted this week",
		s.config.Minimum,
	)
	kicked := 0
	for _, row := range rows {
		if row.Count >= s.config.Minimum {
			continue
		}
		member, err := s.guild.Member(ctx, row.UserID)
		if err != nil {
			if gateway.IsNotFound(err) {
				s.retire(row)
				continue
			}
			s.logger.Error(
				"failed to fetch member during quota sweep",
				"user_id", row.UserID,
				"error", err,
			)
			continue
		}
		// Only holders of the Member role are subject to the quota
		if !slices.Contains(member.Roles, memberRole.ID) {
			continue
		}
		if err := s.guild.Kick(ctx, row.UserID, reason); err != nil {
			if gateway.IsNotFound(err) {
				s.retire(row)
				continue
			}
			s.logger.Error(
				"failed to kick member below quota",
				"user_id", row.UserID,
				"error", err,
			)
			continue
		}
		s.logger.Info(
			"kicked member below weekly quota",
			"user_id", row.UserID,
			"count", row.Count,
		)
		s.metrics.kicked.Inc()
		kicked++
		s.retire(row)
	}
	return kicked
}

// retire drops the counter row for a user who left or was removed.
func (s *Service) retire(row models.AttachmentCount) {
	if err := s.db.DB().Delete(&row).Error; err != nil {
		s.logger.Error(
			"failed to delete attachment count row",
			"user_id", row.UserID,
			"error", err,
		)
	}
}
