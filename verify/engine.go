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

package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// ErrNotPending indicates an explicit verification targeted a user
// who does not hold the MustVerify role.
var ErrNotPending = errors.New("user is not awaiting verification")

// kickReason is recorded in the guild audit log for enforcement
// kicks.
const kickReason = "Failed to verify within the allowed period."

// transitionTimeout bounds the platform calls of a single
// event-driven transition.
const transitionTimeout = 30 * time.Second

// GuildActions is the slice of the gateway the engine consumes.
type GuildActions interface {
	AddMemberRole(ctx context.Context, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, userID, roleID string) error
	Kick(ctx context.Context, userID, reason string) error
	DirectMessage(ctx context.Context, userID, content string) error
	Member(ctx context.Context, userID string) (*discordgo.Member, error)
}

// RoleDirectory is the slice of the role directory the engine
// consumes.
type RoleDirectory interface {
	Ready() bool
	MustVerify() (*discordgo.Role, error)
	Member() (*discordgo.Role, error)
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type EngineConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Ledger       *Ledger
	Directory    RoleDirectory
	Guild        GuildActions
	// VerificationWindow is how long a pending user may remain
	// unverified before the kick sweep removes them
	VerificationWindow time.Duration
	// ActivityWindow is how long a probation user may stay silent
	// before the demotion sweep returns them to MustVerify
	ActivityWindow time.Duration
}

// Engine drives the verification lifecycle: Unverified (MustVerify
// role, tracked pending) -> Verified-Probation (Member role, tracked
// recent) -> Verified-Stable (Member role, untracked).
type Engine struct {
	config  EngineConfig
	metrics struct {
		transitions *prometheus.CounterVec
		skipped     *prometheus.CounterVec
		sweepErrors *prometheus.CounterVec
	}
	logger    *slog.Logger
	ledger    *Ledger
	directory RoleDirectory
	guild     GuildActions
	now       func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		config:    cfg,
		ledger:    cfg.Ledger,
		directory: cfg.Directory,
		guild:     cfg.Guild,
		now:       time.Now,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = cfg.Logger.With("component", "verify")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	e.metrics.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_verify_transitions_total",
			Help: "lifecycle transitions by kind",
		},
		[]string{"transition"},
	)
	e.metrics.skipped = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_verify_skipped_total",
			Help: "operations skipped because the role directory was not ready",
		},
		[]string{"operation"},
	)
	e.metrics.sweepErrors = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_verify_sweep_errors_total",
			Help: "per-user enforcement failures by sweep",
		},
		[]string{"sweep"},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.MemberJoinEventType,
			e.handleMemberJoinEvent,
		)
		cfg.EventBus.SubscribeFunc(
			gateway.MessageEventType,
			e.handleMessageEvent,
		)
	}
	return e
}

func (e *Engine) handleMemberJoinEvent(evt event.Event) {
	join, ok := evt.Data.(gateway.MemberJoinEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(
		context.Background(),
		transitionTimeout,
	)
	defer cancel()
	e.HandleJoin(ctx, join.UserID)
}

func (e *Engine) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok {
		return
	}
	if msg.Bot {
		return
	}
	e.HandleActivity(msg.AuthorID)
}

// HandleJoin moves a newly joined user into the Unverified state:
// MustVerify role first, then the pending ledger entry, then a
// best-effort welcome DM. An unready role directory makes this an
// observable no-op, never a crash.
func (e *Engine) HandleJoin(ctx context.Context, userID string) {
	mustVerify, err := e.directory.MustVerify()
	if err != nil {
		e.logger.Error(
			"member join skipped: role directory not ready",
			"user_id", userID,
		)
		e.metrics.skipped.WithLabelValues("join").Inc()
		return
	}
	if err := e.guild.AddMemberRole(ctx, userID, mustVerify.ID); err != nil {
		e.logger.Error(
			"failed to assign verification role",
			"user_id", userID,
			"error", err,
		)
		return
	}
	if e.ledger.MarkPending(userID, e.now()) {
		e.logger.Info("tracking new member for verification",
			"user_id", userID)
	} else {
		e.logger.Debug("member already tracked", "user_id", userID)
	}
	e.metrics.transitions.WithLabelValues("join").Inc()
	if err := e.guild.DirectMessage(
		ctx,
		userID,
		welcomeMessage(mustVerify.Name, e.config.VerificationWindow),
	); err != nil {
		e.logger.Warn(
			"welcome DM failed",
			"user_id", userID,
			"error", err,
		)
	}
}

// HandleActivity clears a probation user's recent entry, making them
// Verified-Stable. Messages from users in any other state are
// ignored.
func (e *Engine) HandleActivity(userID string) {
	if e.ledger.ClearRecent(userID) {
		e.metrics.transitions.WithLabelValues("activity").Inc()
		e.logger.Info(
			"probation cleared by message activity",
			"user_id", userID,
		)
	}
}

// Verify performs the explicit verification transition on a target
// user: remove MustVerify, grant Member, promote the ledger entry.
// Returns ErrNotPending when the target does not hold the MustVerify
// role. Capability checks belong to the command surface, not here.
func (e *Engine) Verify(ctx context.Context, targetID string) error {
	mustVerify, err := e.directory.MustVerify()
	if err != nil {
		return err
	}
	memberRole, err := e.directory.Member()
	if err != nil {
		return err
	}
	target, err := e.guild.Member(ctx, targetID)
	if err != nil {
		return fmt.Errorf("fetch target member: %w", err)
	}
	if !slices.Contains(target.Roles, mustVerify.ID) {
		return ErrNotPending
	}
	if err := e.guild.RemoveMemberRole(ctx, targetID, mustVerify.ID); err != nil {
		return fmt.Errorf("remove verification hold: %w", err)
	}
	if err := e.guild.AddMemberRole(ctx, targetID, memberRole.ID); err != nil {
		return fmt.Errorf("grant member role: %w", err)
	}
	if !e.ledger.Promote(targetID, e.now()) {
		// Platform role state is the source of truth; an untracked
		// promotion is suspicious but not fatal
		e.logger.Warn(
			"promoted user was not tracked as pending",
			"user_id", targetID,
		)
	}
	e.metrics.transitions.WithLabelValues("verify").Inc()
	e.logger.Info("member verified", "user_id", targetID)
	return nil
}

// SweepVerification kicks users whose pending entry has outlived the
// verification window. A ledger entry is removed only after its kick
// succeeded, so failures are retried on the next run (at-least-once).
// Returns the number of users kicked.
func (e *Engine) SweepVerification(ctx context.Context) int {
	now := e.now()
	expired := e.ledger.SweepPending(now, e.config.VerificationWindow)
	kicked := 0
	for _, entry := range expired {
		if ctx.Err() != nil {
			return kicked
		}
		if err := e.guild.Kick(ctx, entry.UserID, kickReason); err != nil {
			if gateway.IsNotFound(err) {
				// Already gone; retire the entry
				e.ledger.RemovePendingIf(entry.UserID, entry.Timestamp)
				e.logger.Info(
					"pending user already left the guild",
					"user_id", entry.UserID,
				)
				continue
			}
			e.logger.Error(
				"kick failed, entry kept for next sweep",
				"user_id", entry.UserID,
				"error", err,
			)
			e.metrics.sweepErrors.WithLabelValues("verification").Inc()
			continue
		}
		if e.ledger.RemovePendingIf(entry.UserID, entry.Timestamp) {
			kicked++
			e.metrics.transitions.WithLabelValues("timeout_kick").Inc()
			e.logger.Info(
				"kicked unverified user",
				"user_id", entry.UserID,
				"pending_since", entry.Timestamp,
			)
		} else {
			e.logger.Warn(
				"pending entry changed while kicking",
				"user_id", entry.UserID,
			)
		}
	}
	return kicked
}

// SweepActivity demotes probation users whose recent entry has
// outlived the activity window: Member role off, MustVerify back on,
// ledger entry moved to pending with the sweep time as the new
// timestamp (restarting the verification clock). The ledger move is
// witness-conditional: an activity proof that lands mid-sweep wins
// and the demotion is rolled back. Returns the number of users
// demoted.
func (e *Engine) SweepActivity(ctx context.Context) int {
	mustVerify, err := e.directory.MustVerify()
	if err != nil {
		e.logger.Error("activity sweep skipped: role directory not ready")
		e.metrics.skipped.WithLabelValues("activity_sweep").Inc()
		return 0
	}
	memberRole, err := e.directory.Member()
	if err != nil {
		e.logger.Error("activity sweep skipped: role directory not ready")
		e.metrics.skipped.WithLabelValues("activity_sweep").Inc()
		return 0
	}
	now := e.now()
	expired := e.ledger.SweepRecent(now, e.config.ActivityWindow)
	demoted := 0
	for _, entry := range expired {
		if ctx.Err() != nil {
			return demoted
		}
		if err := e.guild.RemoveMemberRole(ctx, entry.UserID, memberRole.ID); err != nil {
			if gateway.IsNotFound(err) {
				e.ledger.ClearRecentIf(entry.UserID, entry.Timestamp)
				e.logger.Info(
					"probation user already left the guild",
					"user_id", entry.UserID,
				)
				continue
			}
			e.logger.Error(
				"demotion failed, entry kept for next sweep",
				"user_id", entry.UserID,
				"error", err,
			)
			e.metrics.sweepErrors.WithLabelValues("activity").Inc()
			continue
		}
		if err := e.guild.AddMemberRole(ctx, entry.UserID, mustVerify.ID); err != nil {
			e.logger.Error(
				"demotion failed, entry kept for next sweep",
				"user_id", entry.UserID,
				"error", err,
			)
			e.metrics.sweepErrors.WithLabelValues("activity").Inc()
			continue
		}
		if !e.ledger.ClearRecentIf(entry.UserID, entry.Timestamp) {
			// The user posted while we were demoting them: activity
			// proof wins, so undo the role changes
			e.logger.Info(
				"demotion aborted, activity cleared probation mid-sweep",
				"user_id", entry.UserID,
			)
			if err := e.guild.RemoveMemberRole(ctx, entry.UserID, mustVerify.ID); err != nil {
				e.logger.Error(
					"failed to undo demotion role change",
					"user_id", entry.UserID,
					"error", err,
				)
			}
			if err := e.guild.AddMemberRole(ctx, entry.UserID, memberRole.ID); err != nil {
				e.logger.Error(
					"failed to undo demotion role change",
					"user_id", entry.UserID,
					"error", err,
				)
			}
			continue
		}
		e.ledger.MarkPending(entry.UserID, now)
		demoted++
		e.metrics.transitions.WithLabelValues("activity_timeout").Inc()
		e.logger.Info(
			"demoted inactive probation user",
			"user_id", entry.UserID,
			"verified_at", entry.Timestamp,
		)
		if err := e.guild.DirectMessage(
			ctx,
			entry.UserID,
			demotionMessage(
				mustVerify.Name,
				e.config.ActivityWindow,
				e.config.VerificationWindow,
			),
		); err != nil {
			e.logger.Warn(
				"demotion DM failed",
				"user_id", entry.UserID,
				"error", err,
			)
		}
	}
	return demoted
}

func welcomeMessage(roleName string, window time.Duration) string {
	return fmt.Sprintf(
		"Welcome! New members start with the '%s' role until a moderator "+
			"verifies them. Please introduce yourself; accounts that are "+
			"not verified within %d hours are removed automatically.",
		roleName,
		int(window/time.Hour),
	)
}

func demotionMessage(
	roleName string,
	activityWindow time.Duration,
	verificationWindow time.Duration,
) string {
	return fmt.Sprintf(
		"You were verified but did not post within %d hours, so you have "+
			"been moved back to the '%s' role. If you are not verified "+
			"again within %d hours you will be removed from the server.",
		int(activityWindow/time.Hour),
		roleName,
		int(verificationWindow/time.Hour),
	)
}
