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

package roles

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
)

type fakeProvider struct {
	mu         sync.Mutex
	roles      []*discordgo.Role
	created    []string
	failures   int
	rolesCalls int
	nextID     int
}

func (f *fakeProvider) Roles(_ context.Context) ([]*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesCalls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("platform unavailable")
	}
	return slices.Clone(f.roles), nil
}

func (f *fakeProvider) CreateRole(
	_ context.Context,
	name string,
) (*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	role := &discordgo.Role{
		ID:   fmt.Sprintf("created-%d", f.nextID),
		Name: name,
	}
	f.roles = append(f.roles, role)
	f.created = append(f.created, name)
	return role, nil
}

func newTestDirectory(provider *fakeProvider) *Directory {
	d := New(Config{
		Provider:       provider,
		MustVerifyName: "MustVerify",
		MemberName:     "Member",
		AdminName:      "Admin",
		ModeratorName:  "Moderator",
	})
	d.retryDelay = time.Millisecond
	return d
}

func TestResolveCreatesMissingVerificationRoles(t *testing.T) {
	provider := &fakeProvider{
		roles: []*discordgo.Role{
			{ID: "10", Name: "Admin"},
			{ID: "11", Name: "Moderator"},
		},
	}
	d := newTestDirectory(provider)

	require.NoError(t, d.Resolve(t.Context()))
	assert.True(t, d.Ready())
	assert.ElementsMatch(t, []string{"MustVerify", "Member"}, provider.created)

	mustVerify, err := d.MustVerify()
	require.NoError(t, err)
	assert.Equal(t, "MustVerify", mustVerify.Name)
	member, err := d.Member()
	require.NoError(t, err)
	assert.Equal(t, "Member", member.Name)
}

func TestResolveLeavesPrivilegedRolesUncreated(t *testing.T) {
	provider := &fakeProvider{
		roles: []*discordgo.Role{
			{ID: "1", Name: "MustVerify"},
			{ID: "2", Name: "Member"},
		},
	}
	d := newTestDirectory(provider)

	// Missing Admin/Moderator is not a resolution failure
	require.NoError(t, d.Resolve(t.Context()))
	assert.True(t, d.Ready())
	assert.Empty(t, provider.created)

	// Every capability denies without privileged roles
	assert.False(t, d.HasCapability([]string{"1", "2"}, CapVerifyMembers))
	assert.False(t, d.HasCapability([]string{"1", "2"}, CapModerate))
	assert.False(t, d.HasCapability([]string{"1", "2"}, CapAdminister))
}

func TestResolveRetriesThenGivesUp(t *testing.T) {
	provider := &fakeProvider{failures: 100}
	d := newTestDirectory(provider)

	err := d.Resolve(t.Context())
	require.Error(t, err)
	assert.Equal(t, resolveAttempts, provider.rolesCalls)
	assert.False(t, d.Ready())

	_, err = d.MustVerify()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = d.Member()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestResolveRecoversOnRetry(t *testing.T) {
	provider := &fakeProvider{
		failures: 2,
		roles: []*discordgo.Role{
			{ID: "1", Name: "MustVerify"},
			{ID: "2", Name: "Member"},
		},
	}
	d := newTestDirectory(provider)

	require.NoError(t, d.Resolve(t.Context()))
	assert.Equal(t, 3, provider.rolesCalls)
	assert.True(t, d.Ready())
}

func TestResolveContextCancelled(t *testing.T) {
	provider := &fakeProvider{failures: 100}
	d := newTestDirectory(provider)
	d.retryDelay = time.Minute

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := d.Resolve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, d.Ready())
}

func TestInvalidate(t *testing.T) {
	provider := &fakeProvider{
		roles: []*discordgo.Role{
			{ID: "1", Name: "MustVerify"},
			{ID: "2", Name: "Member"},
		},
	}
	d := newTestDirectory(provider)
	require.NoError(t, d.Resolve(t.Context()))
	require.True(t, d.Ready())

	d.Invalidate()
	assert.False(t, d.Ready())
	_, err := d.MustVerify()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestHasCapability(t *testing.T) {
	provider := &fakeProvider{
		roles: []*discordgo.Role{
			{ID: "1", Name: "MustVerify"},
			{ID: "2", Name: "Member"},
			{ID: "10", Name: "Admin"},
			{ID: "11", Name: "Moderator"},
		},
	}
	d := newTestDirectory(provider)
	require.NoError(t, d.Resolve(t.Context()))

	adminRoles := []string{"2", "10"}
	modRoles := []string{"2", "11"}
	plainRoles := []string{"2"}

	assert.True(t, d.HasCapability(adminRoles, CapVerifyMembers))
	assert.True(t, d.HasCapability(adminRoles, CapModerate))
	assert.True(t, d.HasCapability(adminRoles, CapAdminister))

	assert.True(t, d.HasCapability(modRoles, CapVerifyMembers))
	assert.True(t, d.HasCapability(modRoles, CapModerate))
	assert.False(t, d.HasCapability(modRoles, CapAdminister))

	assert.False(t, d.HasCapability(plainRoles, CapVerifyMembers))
	assert.False(t, d.HasCapability(nil, CapVerifyMembers))
}

func TestRoleUpdateTriggersReResolve(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	provider := &fakeProvider{
		roles: []*discordgo.Role{
			{ID: "1", Name: "MustVerify"},
			{ID: "2", Name: "Member"},
		},
	}
	d := New(Config{
		EventBus:       eb,
		Provider:       provider,
		MustVerifyName: "MustVerify",
		MemberName:     "Member",
		AdminName:      "Admin",
		ModeratorName:  "Moderator",
	})
	d.retryDelay = time.Millisecond
	require.NoError(t, d.Resolve(t.Context()))
	require.Equal(t, 1, provider.rolesCalls)

	eb.Publish(
		gateway.RoleUpdateEventType,
		event.NewEvent(gateway.RoleUpdateEventType, gateway.RoleUpdateEvent{
			GuildID:  "1",
			RoleID:   "2",
			RoleName: "Member",
		}),
	)

	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.rolesCalls >= 2
	}, 2*time.Second, 10*time.Millisecond,
		"role update should trigger a re-resolve",
	)
	require.Eventually(t, d.Ready, 2*time.Second, 10*time.Millisecond)
}

func TestEnsureRole(t *testing.T) {
	provider := &fakeProvider{
		roles: []*discordgo.Role{{ID: "20", Name: "Muted"}},
	}
	d := newTestDirectory(provider)

	existing, err := d.EnsureRole(t.Context(), "Muted")
	require.NoError(t, err)
	assert.Equal(t, "20", existing.ID)
	assert.Empty(t, provider.created)

	created, err := d.EnsureRole(t.Context(), "Quarantine")
	require.NoError(t, err)
	assert.Equal(t, "Quarantine", created.Name)
	assert.Equal(t, []string{"Quarantine"}, provider.created)
}
