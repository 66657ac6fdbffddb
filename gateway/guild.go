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
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	membersPageSize = 1000
	purgeBatchSize  = 100
	// The platform rejects bulk deletes that include any message
	// older than two weeks
	bulkDeleteMaxAge = 14*24*time.Hour - time.Minute
)

// GuildID returns the guild this gateway is bound to.
func (g *Gateway) GuildID() string {
	return g.config.GuildID
}

// Guild fetches the guild's metadata, including the approximate
// member and presence counts the REST API exposes without the
// privileged presences intent.
func (g *Gateway) Guild(ctx context.Context) (*discordgo.Guild, error) {
	guild, err := g.session.GuildWithCounts(
		g.config.GuildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch guild: %w", err)
	}
	return guild, nil
}

// Roles fetches the guild's full role list.
func (g *Gateway) Roles(ctx context.Context) ([]*discordgo.Role, error) {
	roles, err := g.session.GuildRoles(
		g.config.GuildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch guild roles: %w", err)
	}
	return roles, nil
}

// CreateRole creates a new guild role with the given name.
func (g *Gateway) CreateRole(
	ctx context.Context,
	name string,
) (*discordgo.Role, error) {
	role, err := g.session.GuildRoleCreate(
		g.config.GuildID,
		&discordgo.RoleParams{Name: name},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("create role %q: %w", name, err)
	}
	return role, nil
}

// AddMemberRole grants a role to a guild member.
func (g *Gateway) AddMemberRole(
	ctx context.Context,
	userID string,
	roleID string,
) error {
	err := g.session.GuildMemberRoleAdd(
		g.config.GuildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("add role to member %s: %w", userID, err)
	}
	return nil
}

// RemoveMemberRole revokes a role from a guild member.
func (g *Gateway) RemoveMemberRole(
	ctx context.Context,
	userID string,
	roleID string,
) error {
	err := g.session.GuildMemberRoleRemove(
		g.config.GuildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("remove role from member %s: %w", userID, err)
	}
	return nil
}

// Kick removes a member from the guild with an audit-log reason.
func (g *Gateway) Kick(ctx context.Context, userID, reason string) error {
	err := g.session.GuildMemberDeleteWithReason(
		g.config.GuildID,
		userID,
		reason,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("kick member %s: %w", userID, err)
	}
	return nil
}

// Ban bans a user, deleting their messages from the last purgeDays
// days.
func (g *Gateway) Ban(
	ctx context.Context,
	userID string,
	reason string,
	purgeDays int,
) error {
	err := g.session.GuildBanCreateWithReason(
		g.config.GuildID,
		userID,
		reason,
		purgeDays,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("ban user %s: %w", userID, err)
	}
	return nil
}

// Unban lifts a user's ban.
func (g *Gateway) Unban(ctx context.Context, userID string) error {
	err := g.session.GuildBanDelete(
		g.config.GuildID,
		userID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("unban user %s: %w", userID, err)
	}
	return nil
}

// Member fetches a single guild member.
func (g *Gateway) Member(
	ctx context.Context,
	userID string,
) (*discordgo.Member, error) {
	member, err := g.session.GuildMember(
		g.config.GuildID,
		userID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch member %s: %w", userID, err)
	}
	return member, nil
}

// Members fetches the guild's full member list, paginating through
// the REST API.
func (g *Gateway) Members(ctx context.Context) ([]*discordgo.Member, error) {
	var ret []*discordgo.Member
	after := ""
	for {
		members, err := g.session.GuildMembers(
			g.config.GuildID,
			after,
			membersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("list guild members: %w", err)
		}
		ret = append(ret, members...)
		if len(members) < membersPageSize {
			break
		}
		last := members[len(members)-1]
		if last.User == nil {
			break
		}
		after = last.User.ID
	}
	return ret, nil
}

// DirectMessage opens (or reuses) a DM channel with a user and sends
// a message to it.
func (g *Gateway) DirectMessage(
	ctx context.Context,
	userID string,
	content string,
) error {
	channel, err := g.session.UserChannelCreate(
		userID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("open DM channel for %s: %w", userID, err)
	}
	_, err = g.session.ChannelMessageSend(
		channel.ID,
		content,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("send DM to %s: %w", userID, err)
	}
	return nil
}

// ChannelMessage sends a message to a guild channel.
func (g *Gateway) ChannelMessage(
	ctx context.Context,
	channelID string,
	content string,
) error {
	_, err := g.session.ChannelMessageSend(
		channelID,
		content,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("send message to channel %s: %w", channelID, err)
	}
	return nil
}

// ChannelMessageHistory fetches up to limit messages posted before
// beforeID, newest first. An empty beforeID starts from the most
// recent message; callers paginate by passing the last returned
// message's ID back in.
func (g *Gateway) ChannelMessageHistory(
	ctx context.Context,
	channelID string,
	beforeID string,
	limit int,
) ([]*discordgo.Message, error) {
	msgs, err := g.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch channel history: %w", err)
	}
	return msgs, nil
}

// Channels fetches the guild's full channel list, categories
// included.
func (g *Gateway) Channels(ctx context.Context) ([]*discordgo.Channel, error) {
	channels, err := g.session.GuildChannels(
		g.config.GuildID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch guild channels: %w", err)
	}
	return channels, nil
}

// CreateCategory creates a channel category.
func (g *Gateway) CreateCategory(
	ctx context.Context,
	name string,
) (*discordgo.Channel, error) {
	channel, err := g.session.GuildChannelCreateComplex(
		g.config.GuildID,
		discordgo.GuildChannelCreateData{
			Name: name,
			Type: discordgo.ChannelTypeGuildCategory,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("create category %q: %w", name, err)
	}
	return channel, nil
}

// CreateTextChannel creates a text channel, optionally under a
// parent category.
func (g *Gateway) CreateTextChannel(
	ctx context.Context,
	name string,
	parentID string,
) (*discordgo.Channel, error) {
	channel, err := g.session.GuildChannelCreateComplex(
		g.config.GuildID,
		discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: parentID,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("create channel %q: %w", name, err)
	}
	return channel, nil
}

// SetChannelOverwrite edits a permission overwrite on a channel for
// a role or member target.
func (g *Gateway) SetChannelOverwrite(
	ctx context.Context,
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
) error {
	err := g.session.ChannelPermissionSet(
		channelID,
		targetID,
		targetType,
		allow,
		deny,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("set channel overwrite on %s: %w", channelID, err)
	}
	return nil
}

// PurgeMessages deletes up to limit recent messages from a channel
// and returns the number deleted. Messages beyond the platform's
// bulk-delete age horizon are left in place.
func (g *Gateway) PurgeMessages(
	ctx context.Context,
	channelID string,
	limit int,
) (int, error) {
	deleted := 0
	cutoff := time.Now().Add(-bulkDeleteMaxAge)
	for limit > 0 {
		batch := min(limit, purgeBatchSize)
		msgs, err := g.session.ChannelMessages(
			channelID,
			batch,
			"",
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return deleted, fmt.Errorf("fetch messages for purge: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ts, err := discordgo.SnowflakeTimestamp(msg.ID)
			if err != nil || ts.Before(cutoff) {
				continue
			}
			ids = append(ids, msg.ID)
		}
		if len(ids) == 0 {
			break
		}
		if len(ids) == 1 {
			err = g.session.ChannelMessageDelete(
				channelID,
				ids[0],
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return deleted, fmt.Errorf("delete message: %w", err)
			}
		} else {
			err = g.session.ChannelMessagesBulkDelete(
				channelID,
				ids,
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return deleted, fmt.Errorf("bulk delete messages: %w", err)
			}
		}
		deleted += len(ids)
		limit -= len(ids)
		if len(msgs) < batch {
			break
		}
	}
	return deleted, nil
}
