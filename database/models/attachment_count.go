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

// AttachmentCount tracks how many attachments a member has posted in the
// current quota week. Rows are zeroed (not deleted) at the weekly reset so
// the report can distinguish "never posted" from "reset this week".
type AttachmentCount struct {
	UserID    string `gorm:"size:32;uniqueIndex:idx_attachment_count_user_guild;not null"`
	GuildID   string `gorm:"size:32;uniqueIndex:idx_attachment_count_user_guild"`
	ID        uint   `gorm:"primarykey"`
	Count     int    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (AttachmentCount) TableName() string {
	return "attachment_count"
}
