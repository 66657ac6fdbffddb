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

package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wardenlabs/warden/database/sops"
)

// Snapshot is one point-in-time capture of the guild's membership and
// structure.
type Snapshot struct {
	ID        string          `json:"id"`
	TakenAt   time.Time       `json:"taken_at"`
	GuildID   string          `json:"guild_id"`
	GuildName string          `json:"guild_name"`
	Members   []MemberRecord  `json:"members"`
	Channels  []ChannelRecord `json:"channels"`
	Roles     []RoleRecord    `json:"roles"`
}

type MemberRecord struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
	Roles    []string  `json:"roles,omitempty"`
	Bot      bool      `json:"bot,omitempty"`
}

type ChannelRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
}

type RoleRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Decode parses snapshot bytes, transparently decrypting the SOPS
// envelope when one is present. Decrypting needs the same master key
// environment the snapshot was written with.
func Decode(data []byte) (*Snapshot, error) {
	if Encrypted(data) {
		plaintext, err := sops.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypting snapshot: %w", err)
		}
		data = plaintext
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Encrypted reports whether data carries a SOPS metadata envelope.
func Encrypted(data []byte) bool {
	var probe struct {
		Sops json.RawMessage `json:"sops"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return len(probe.Sops) > 0
}

// ReadFile loads and decodes the snapshot at path.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return Decode(data)
}

const fileTimestamp = "20060102T150405Z"

// fileName builds the timestamped snapshot file name. The short id
// keeps two snapshots taken within the same second apart.
func fileName(takenAt time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf(
		"backup-%s-%s.json",
		takenAt.UTC().Format(fileTimestamp),
		short,
	)
}

func channelTypeName(channelType discordgo.ChannelType) string {
	switch channelType {
	case discordgo.ChannelTypeGuildText:
		return "text"
	case discordgo.ChannelTypeGuildVoice:
		return "voice"
	case discordgo.ChannelTypeGuildCategory:
		return "category"
	case discordgo.ChannelTypeGuildNews:
		return "news"
	case discordgo.ChannelTypeGuildStageVoice:
		return "stage"
	case discordgo.ChannelTypeGuildForum:
		return "forum"
	default:
		return strconv.Itoa(int(channelType))
	}
}
