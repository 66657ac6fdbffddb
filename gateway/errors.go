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
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// ErrForbidden indicates the bot lacks permission for a guild
// operation. Fake gateways return it directly; the live adapter
// surfaces it through REST error classification (see IsForbidden).
var ErrForbidden = errors.New("forbidden by guild permissions")

// ErrNotFound indicates a guild operation targeted an entity the
// platform no longer knows, such as a member who already left.
var ErrNotFound = errors.New("not found")

// IsForbidden reports whether err represents a permission rejection,
// either the ErrForbidden sentinel or a platform REST error with a
// Forbidden status.
func IsForbidden(err error) bool {
	if errors.Is(err, ErrForbidden) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound reports whether err represents a missing platform
// entity, such as unbanning a user who is not banned.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
