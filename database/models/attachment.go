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

import (
	"errors"
	"time"
)

var ErrAttachmentNotFound = errors.New("archived attachment not found")

// ArchivedAttachment records one attachment captured by the archive. The
// content itself lives in the blob store under BlobKey; Sha256 is the hex
// digest of the content and is used to detect duplicate uploads.
type ArchivedAttachment struct {
	BlobKey    string `gorm:"size:512;uniqueIndex;not null"`
	Sha256     string `gorm:"size:64;index;not null"`
	Filename   string `gorm:"size:255;index;not null"`
	UploaderID string `gorm:"size:32;index"`
	GuildID    string `gorm:"size:32;index"`
	ChannelID  string `gorm:"size:32;index"`
	MessageID  string `gorm:"size:32;index"`
	ID         uint   `gorm:"primarykey"`
	Size       int64  `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index"`
}

func (ArchivedAttachment) TableName() string {
	return "archived_attachment"
}
