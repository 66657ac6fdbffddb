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

package models

import "time"

// Moderation action names as stored in the Action column.
const (
	ActionWarn    = "warn"
	ActionKick    = "kick"
	ActionBan     = "ban"
	ActionTempBan = "tempban"
	ActionUnban   = "unban"
	ActionMute    = "mute"
	ActionUnmute  = "unmute"
	ActionPurge   = "purge"
)

// ModerationAction is the durable record of a moderation command. For
// tempbans ExpiresAt holds the scheduled unban time and Resolved flips to
// true once the unban has been applied; pending rows are re-armed at
// startup so scheduled unbans survive restarts.
type ModerationAction struct {
	Action    string `gorm:"size:16;index;not null"`
	ActorID   string `gorm:"size:32;index;not null"`
	TargetID  string `gorm:"size:32;index;not null"`
	GuildID   string `gorm:"size:32;index"`
	Reason    string `gorm:"size:512"`
	ExpiresAt *time.Time `gorm:"index"`
	ID        uint       `gorm:"primarykey"`
	Resolved  bool       `gorm:"not null;default:false"`
	CreatedAt time.Time  `gorm:"index"`
}

func (ModerationAction) TableName() string {
	return "moderation_action"
}
