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

// Package roles maintains the directory of managed guild roles. It
// guarantees the verification roles exist, exposes typed handles to
// them, and answers capability questions for privileged commands.
package roles

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
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
)

const (
	resolveAttempts   = 3
	resolveRetryDelay = 5 * time.Second
	resolveTimeout    = 30 * time.Second
)

// ErrNotReady indicates the directory has not (or not yet) resolved
// its role handles. Dependent operations detect it, log, and skip.
var ErrNotReady = errors.New("role directory not resolved")

// Capability names an authorization level checked against the
// resolved privileged roles. Call sites never match role-name
// strings.
type Capability int

const (
	// CapVerifyMembers allows moving members through the
	// verification lifecycle.
	CapVerifyMembers Capability = iota
	// CapModerate allows warnings, kicks, bans, mutes, and purges.
	CapModerate
	// CapAdminister allows guild-level administration such as
	// economy adjustments, provisioning, and manual sweeps.
	CapAdminister
)

// RoleProvider is the slice of the gateway the directory consumes.
type RoleProvider interface {
	Roles(ctx context.Context) ([]*discordgo.Role, error)
	CreateRole(ctx context.Context, name string) (*discordgo.Role, error)
}

type Config struct {
	Logger         *slog.Logger
	EventBus       *event.EventBus
	Provider       RoleProvider
	MustVerifyName string
	MemberName     string
	AdminName      string
	ModeratorName  string
}

// Directory holds the resolved role handles. Resolve populates them,
// Invalidate marks them stale, and the guild-role-update bus handler
// re-resolves so renames and deletions are picked up without a
// restart.
type Directory struct {
	config     Config
	logger     *slog.Logger
	provider   RoleProvider
	retryDelay time.Duration

	// resolveMutex single-flights Resolve so concurrent callers
	// cannot both create a missing role
	resolveMutex sync.Mutex

	mutex      sync.RWMutex
	mustVerify *discordgo.Role
	member     *discordgo.Role
	admin      *discordgo.Role
	moderator  *discordgo.Role
	ready      bool
}

func New(cfg Config) *Directory {
	d := &Directory{
		config:     cfg,
		provider:   cfg.Provider,
		retryDelay: resolveRetryDelay,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		d.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		d.logger = cfg.Logger.With("component", "roles")
	}
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.RoleUpdateEventType,
			d.handleRoleUpdate,
		)
	}
	return d
}

// Resolve populates the directory from the guild's role list. The
// MustVerify and Member roles are created when missing; the Admin and
// Moderator roles are looked up only, since creating privileged roles
// automatically would be a security hazard. Transient platform
// failures are retried a bounded number of times; after the final
// failure the directory stays uninitialized and dependents skip.
func (d *Directory) Resolve(ctx context.Context) error {
	d.resolveMutex.Lock()
	defer d.resolveMutex.Unlock()
	var lastErr error
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
		if err := d.resolveOnce(ctx); err != nil {
			lastErr = err
			d.logger.Warn(
				"role resolution attempt failed",
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		return nil
	}
	d.logger.Error(
		"role directory left uninitialized",
		"attempts", resolveAttempts,
		"error", lastErr,
	)
	return fmt.Errorf("resolve roles after %d attempts: %w",
		resolveAttempts, lastErr)
}

func (d *Directory) resolveOnce(ctx context.Context) error {
	platformRoles, err := d.provider.Roles(ctx)
	if err != nil {
		return fmt.Errorf("fetch roles: %w", err)
	}
	byName := make(map[string]*discordgo.Role, len(platformRoles))
	for _, role := range platformRoles {
		byName[role.Name] = role
	}
	mustVerify, err := d.ensureRole(ctx, byName, d.config.MustVerifyName)
	if err != nil {
		return err
	}
	member, err := d.ensureRole(ctx, byName, d.config.MemberName)
	if err != nil {
		return err
	}
	admin := byName[d.config.AdminName]
	if admin == nil {
		d.logger.Error(
			"privileged role not found, capability checks will deny",
			"role", d.config.AdminName,
		)
	}
	moderator := byName[d.config.ModeratorName]
	if moderator == nil {
		d.logger.Error(
			"privileged role not found, capability checks will deny",
			"role", d.config.ModeratorName,
		)
	}
	d.mutex.Lock()
	d.mustVerify = mustVerify
	d.member = member
	d.admin = admin
	d.moderator = moderator
	d.ready = true
	d.mutex.Unlock()
	d.logger.Info(
		"role directory resolved",
		"must_verify_id", mustVerify.ID,
		"member_id", member.ID,
	)
	return nil
}

func (d *Directory) ensureRole(
	ctx context.Context,
	byName map[string]*discordgo.Role,
	name string,
) (*discordgo.Role, error) {
	if role, ok := byName[name]; ok {
		return role, nil
	}
	role, err := d.provider.CreateRole(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	d.logger.Info("created missing role", "role", name, "role_id", role.ID)
	return role, nil
}

// EnsureRole returns the guild role with the given name, creating it
// when missing. It does not touch the resolved handle set.
func (d *Directory) EnsureRole(
	ctx context.Context,
	name string,
) (*discordgo.Role, error) {
	platformRoles, err := d.provider.Roles(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	for _, role := range platformRoles {
		if role.Name == name {
			return role, nil
		}
	}
	role, err := d.provider.CreateRole(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	d.logger.Info("created missing role", "role", name, "role_id", role.ID)
	return role, nil
}

// Invalidate marks the directory stale. Dependent operations skip
// until a subsequent Resolve succeeds.
func (d *Directory) Invalidate() {
	d.mutex.Lock()
	d.ready = false
	d.mutex.Unlock()
}

func (d *Directory) handleRoleUpdate(evt event.Event) {
	update, ok := evt.Data.(gateway.RoleUpdateEvent)
	if !ok {
		return
	}
	if !d.Ready() {
		// Initial resolution has not completed (or is in flight);
		// it will observe the change itself
		return
	}
	d.logger.Debug(
		"guild roles changed, re-resolving directory",
		"role_id", update.RoleID,
	)
	d.Invalidate()
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if err := d.Resolve(ctx); err != nil {
		d.logger.Error(
			"re-resolution after role update failed",
			"error", err,
		)
	}
}

// Ready reports whether the directory holds a resolved handle set.
func (d *Directory) Ready() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.ready
}

// MustVerify returns the resolved MustVerify role handle.
func (d *Directory) MustVerify() (*discordgo.Role, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.ready || d.mustVerify == nil {
		return nil, ErrNotReady
	}
	return d.mustVerify, nil
}

// Member returns the resolved Member role handle.
func (d *Directory) Member() (*discordgo.Role, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.ready || d.member == nil {
		return nil, ErrNotReady
	}
	return d.member, nil
}

// HasCapability reports whether a member holding the given role ids
// satisfies the capability. An unresolved directory or a missing
// privileged role denies.
func (d *Directory) HasCapability(
	memberRoleIDs []string,
	capability Capability,
) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.ready {
		return false
	}
	var allowed []*discordgo.Role
	switch capability {
	case CapVerifyMembers, CapModerate:
		allowed = []*discordgo.Role{d.admin, d.moderator}
	case CapAdminister:
		allowed = []*discordgo.Role{d.admin}
	default:
		return false
	}
	for _, role := range allowed {
		if role == nil {
			continue
		}
		if slices.Contains(memberRoleIDs, role.ID) {
			return true
		}
	}
	return false
}
