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

package types

import "strings"

// AttachmentBlobKey returns the blob store key for an archived attachment.
// Keys are laid out guild/channel/message/filename so prefix scans can
// enumerate a guild or a single channel.
func AttachmentBlobKey(guildID, channelID, messageID, filename string) string {
	return strings.Join(
		[]string{guildID, channelID, messageID, filename},
		"/",
	)
}

// AttachmentChannelPrefix returns the key prefix covering every attachment
// archived from the given channel.
func AttachmentChannelPrefix(guildID, channelID string) string {
	return guildID + "/" + channelID + "/"
}

// AttachmentGuildPrefix returns the key prefix covering every attachment
// archived from the given guild.
func AttachmentGuildPrefix(guildID string) string {
	return guildID + "/"
}
