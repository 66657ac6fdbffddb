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
	"time"

	"github.com/wardenlabs/warden/event"
)

const (
	// ReadyEventType is emitted when the gateway session has
	// identified with the platform.
	ReadyEventType event.EventType = "gateway.ready"

	// DisconnectEventType is emitted when the gateway connection is
	// lost. The session reconnects on its own; a ready event follows
	// once it has identified again.
	DisconnectEventType event.EventType = "gateway.disconnect"

	// MemberJoinEventType is emitted when a user joins the
	// configured guild.
	MemberJoinEventType event.EventType = "gateway.member_join"

	// MessageEventType is emitted for each message created in the
	// configured guild.
	MessageEventType event.EventType = "gateway.message"

	// RoleUpdateEventType is emitted when a guild role is created,
	// updated, or deleted.
	RoleUpdateEventType event.EventType = "gateway.role_update"

	// VoiceStateEventType is emitted when a user's voice channel
	// state changes.
	VoiceStateEventType event.EventType = "gateway.voice_state"
)

// ReadyEvent contains details about the identified session.
type ReadyEvent struct {
	SessionUserID string
}

// DisconnectEvent is published when the gateway connection drops.
type DisconnectEvent struct{}

// MemberJoinEvent contains details about a user joining the guild.
type MemberJoinEvent struct {
	JoinedAt time.Time
	UserID   string
	GuildID  string
}

// Attachment describes a single file attached to a message.
type Attachment struct {
	ID       string
	Filename string
	URL      string
	Size     int
}

// MessageEvent contains details about a message created in the
// guild. Bot is set when the author is a bot account, including
// this one.
type MessageEvent struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	AuthorID    string
	Content     string
	Attachments []Attachment
	Bot         bool
}

// RoleUpdateEvent is published when a guild role changes in any
// way. RoleName is empty for deletions.
type RoleUpdateEvent struct {
	GuildID  string
	RoleID   string
	RoleName string
}

// VoiceStateEvent is published when a user joins, moves between,
// or leaves voice channels. An empty ChannelID means the user
// left voice entirely.
type VoiceStateEvent struct {
	UserID    string
	ChannelID string
}
