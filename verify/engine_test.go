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

package verify

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

const (
	testMustVerifyRoleID = "900000000000000001"
	testMemberRoleID     = "900000000000000002"
)

type fakeGuild struct {
	mu          sync.Mutex
	memberRoles map[string][]string
	kicked      []string
	dms         map[string][]string
	kickErr     error
	addErr      error
	removeErr   error
	memberErr   error
	dmErr       error
	// onAddRole runs after a successful role grant, used to inject
	// concurrent ledger activity mid-sweep
	onAddRole func(userID string, roleID string)
	// When set, Kick announces itself on kickStarted and then waits
	// for kickRelease before completing
	kickStarted chan string
	kickRelease chan struct{}
}

func newFakeGuild() *fakeGuild {
	return &fakeGuild{
		memberRoles: make(map[string][]string),
		dms:         make(map[string][]string),
	}
}

func (f *fakeGuild) AddMemberRole(
	_ context.Context,
	userID string,
	roleID string,
) error {
	f.mu.Lock()
	if f.addErr != nil {
		f.mu.Unlock()
		return f.addErr
	}
	if !slices.Contains(f.memberRoles[userID], roleID) {
		f.memberRoles[userID] = append(f.memberRoles[userID], roleID)
	}
	hook := f.onAddRole
	f.mu.Unlock()
	if hook != nil {
		hook(userID, roleID)
	}
	return nil
}

func (f *fakeGuild) RemoveMemberRole(
	_ context.Context,
	userID string,
	roleID string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.memberRoles[userID] = slices.DeleteFunc(
		f.memberRoles[userID],
		func(id string) bool { return id == roleID },
	)
	return nil
}

func (f *fakeGuild) Kick(_ context.Context, userID string, _ string) error {
	f.mu.Lock()
	if f.kickErr != nil {
		f.mu.Unlock()
		return f.kickErr
	}
	started := f.kickStarted
	release := f.kickRelease
	f.mu.Unlock()
	if started != nil {
		started <- userID
	}
	if release != nil {
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, userID)
	delete(f.memberRoles, userID)
	return nil
}

func (f *fakeGuild) DirectMessage(
	_ context.Context,
	userID string,
	content string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms[userID] = append(f.dms[userID], content)
	return nil
}

func (f *fakeGuild) Member(
	_ context.Context,
	userID string,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return &discordgo.Member{
		User:  &discordgo.User{ID: userID},
		Roles: slices.Clone(f.memberRoles[userID]),
	}, nil
}

func (f *fakeGuild) rolesOf(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.memberRoles[userID])
}

type fakeDirectory struct {
	ready bool
	allow bool
}

func (f *fakeDirectory) Ready() bool {
	return f.ready
}

func (f *fakeDirectory) MustVerify() (*discordgo.Role, error) {
	if !f.ready {
		return nil, roles.ErrNotReady
	}
	return &discordgo.Role{ID: testMustVerifyRoleID, Name: "MustVerify"}, nil
}

func (f *fakeDirectory) Member() (*discordgo.Role, error) {
	if !f.ready {
		return nil, roles.ErrNotReady
	}
	return &discordgo.Role{ID: testMemberRoleID, Name: "Member"}, nil
}

func (f *fakeDirectory) HasCapability(
	_ []string,
	_ roles.Capability,
) bool {
	return f.allow
}

func newTestEngine(
	t *testing.T,
) (*Engine, *fakeGuild, *fakeDirectory, *Ledger) {
	t.Helper()
	ledger := NewLedger(LedgerConfig{
		Path: filepath.Join(t.TempDir(), "ledger.json"),
	})
	guild := newFakeGuild()
	directory := &fakeDirectory{ready: true, allow: true}
	engine := NewEngine(EngineConfig{
		Ledger:             ledger,
		Directory:          directory,
		Guild:              guild,
		VerificationWindow: 24 * time.Hour,
		ActivityWindow:     24 * time.Hour,
	})
	return engine, guild, directory, ledger
}

func TestHandleJoin(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)

	engine.HandleJoin(t.Context(), "100")

	assert.Contains(t, guild.rolesOf("100"), testMustVerifyRoleID)
	state, _ := ledger.State("100")
	assert.Equal(t, StateUnverified, state)
	require.Len(t, guild.dms["100"], 1)
	assert.Contains(t, guild.dms["100"][0], "MustVerify")
	assert.Contains(t, guild.dms["100"][0], "24 hours")
}

func TestHandleJoinDirectoryNotReady(t *testing.T) {
	engine, guild, directory, ledger := newTestEngine(t)
	directory.ready = false

	engine.HandleJoin(t.Context(), "100")

	assert.Empty(t, guild.rolesOf("100"))
	pending, _ := ledger.Len()
	assert.Equal(t, 0, pending)
}

func TestHandleJoinRoleAssignFails(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	guild.addErr = errors.New("boom")

	engine.HandleJoin(t.Context(), "100")

	// The ledger only tracks users who actually received the role
	pending, _ := ledger.Len()
	assert.Equal(t, 0, pending)
	assert.Empty(t, guild.dms["100"])
}

func TestHandleJoinDMFailureTolerated(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	guild.dmErr = errors.New("user has DMs disabled")

	engine.HandleJoin(t.Context(), "100")

	state, _ := ledger.State("100")
	assert.Equal(t, StateUnverified, state)
}

func TestHandleActivityClearsProbation(t *testing.T) {
	engine, _, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now)
	ledger.Promote("100", now)

	engine.HandleActivity("100")

	state, _ := ledger.State("100")
	assert.Equal(t, StateVerifiedStable, state)
}

func TestHandleActivityIgnoresUntracked(t *testing.T) {
	engine, _, _, ledger := newTestEngine(t)
	ledger.MarkPending("100", time.Now())

	// Pending users do not clear probation by posting
	engine.HandleActivity("100")
	engine.HandleActivity("999")

	state, _ := ledger.State("100")
	assert.Equal(t, StateUnverified, state)
}

func TestVerify(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	verifiedAt := time.Date(2025, 3, 7, 15, 30, 0, 0, easternTime)
	engine.now = func() time.Time { return verifiedAt }
	guild.memberRoles["100"] = []string{testMustVerifyRoleID}
	ledger.MarkPending("100", verifiedAt.Add(-time.Hour))

	require.NoError(t, engine.Verify(t.Context(), "100"))

	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
	state, ts := ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
	assert.True(t, ts.Equal(verifiedAt))
}

func TestVerifyNotPending(t *testing.T) {
	engine, guild, _, _ := newTestEngine(t)
	guild.memberRoles["100"] = []string{testMemberRoleID}

	err := engine.Verify(t.Context(), "100")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
}

func TestVerifyDirectoryNotReady(t *testing.T) {
	engine, _, directory, _ := newTestEngine(t)
	directory.ready = false

	err := engine.Verify(t.Context(), "100")
	assert.ErrorIs(t, err, roles.ErrNotReady)
}

func TestVerifyMemberFetchFails(t *testing.T) {
	engine, guild, _, _ := newTestEngine(t)
	guild.memberErr = errors.New("boom")

	assert.Error(t, engine.Verify(t.Context(), "100"))
}

func TestVerifyUntrackedStillPromotes(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	// Holds the role but was never recorded, e.g. after a lost snapshot
	guild.memberRoles["100"] = []string{testMustVerifyRoleID}

	require.NoError(t, engine.Verify(t.Context(), "100"))

	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
	state, _ := ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
}

func TestSweepVerificationKicks(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now.Add(-24*time.Hour))
	ledger.MarkPending("200", now.Add(-23*time.Hour))
	engine.now = func() time.Time { return now }

	kicked := engine.SweepVerification(t.Context())

	assert.Equal(t, 1, kicked)
	assert.Equal(t, []string{"100"}, guild.kicked)
	pending, _ := ledger.Len()
	assert.Equal(t, 1, pending)
	state, _ := ledger.State("200")
	assert.Equal(t, StateUnverified, state)
}

func TestSweepVerificationRetriesFailedKicks(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now.Add(-25*time.Hour))
	engine.now = func() time.Time { return now }

	guild.kickErr = errors.New("transient platform error")
	assert.Equal(t, 0, engine.SweepVerification(t.Context()))

	// The entry survives the failed kick and the next run retries it
	state, _ := ledger.State("100")
	assert.Equal(t, StateUnverified, state)

	guild.kickErr = nil
	assert.Equal(t, 1, engine.SweepVerification(t.Context()))
	assert.Equal(t, []string{"100"}, guild.kicked)
	pending, _ := ledger.Len()
	assert.Equal(t, 0, pending)
}

func TestSweepVerificationRetiresDepartedUsers(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	ledger.MarkPending("100", now.Add(-25*time.Hour))
	engine.now = func() time.Time { return now }
	guild.kickErr = gateway.ErrNotFound

	kicked := engine.SweepVerification(t.Context())

	assert.Equal(t, 0, kicked)
	assert.Empty(t, guild.kicked)
	pending, _ := ledger.Len()
	assert.Equal(t, 0, pending)
}

func TestSweepActivityDemotes(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	sweepTime := time.Date(2025, 3, 8, 12, 0, 0, 0, easternTime)
	engine.now = func() time.Time { return sweepTime }

	guild.memberRoles["100"] = []string{testMemberRoleID}
	ledger.MarkPending("100", sweepTime.Add(-26*time.Hour))
	ledger.Promote("100", sweepTime.Add(-25*time.Hour))

	demoted := engine.SweepActivity(t.Context())

	assert.Equal(t, 1, demoted)
	assert.Equal(t, []string{testMustVerifyRoleID}, guild.rolesOf("100"))
	// The verification clock restarts at the sweep time
	state, ts := ledger.State("100")
	assert.Equal(t, StateUnverified, state)
	assert.True(t, ts.Equal(sweepTime))
	require.Len(t, guild.dms["100"], 1)
	assert.Contains(t, guild.dms["100"][0], "MustVerify")
}

func TestSweepActivityTieBreak(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	engine.now = func() time.Time { return now }

	guild.memberRoles["100"] = []string{testMemberRoleID}
	ledger.MarkPending("100", now.Add(-26*time.Hour))
	ledger.Promote("100", now.Add(-25*time.Hour))

	// The user posts while the sweep is mid-demotion; the activity
	// proof lands between the role changes and the ledger move
	guild.onAddRole = func(userID string, roleID string) {
		if roleID == testMustVerifyRoleID {
			engine.HandleActivity(userID)
		}
	}

	demoted := engine.SweepActivity(t.Context())

	assert.Equal(t, 0, demoted)
	// Role changes were rolled back
	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
	state, _ := ledger.State("100")
	assert.Equal(t, StateVerifiedStable, state)
	assert.Empty(t, guild.dms["100"])
}

func TestSweepActivityRetiresDepartedUsers(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	engine.now = func() time.Time { return now }
	ledger.MarkPending("100", now.Add(-26*time.Hour))
	ledger.Promote("100", now.Add(-25*time.Hour))
	guild.removeErr = gateway.ErrNotFound

	demoted := engine.SweepActivity(t.Context())

	assert.Equal(t, 0, demoted)
	_, recent := ledger.Len()
	assert.Equal(t, 0, recent)
}

func TestSweepActivityKeepsEntryOnRoleError(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	engine.now = func() time.Time { return now }
	verifiedAt := now.Add(-25 * time.Hour)
	ledger.MarkPending("100", now.Add(-26*time.Hour))
	ledger.Promote("100", verifiedAt)
	guild.removeErr = errors.New("transient platform error")

	demoted := engine.SweepActivity(t.Context())

	assert.Equal(t, 0, demoted)
	state, ts := ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
	assert.True(t, ts.Equal(verifiedAt))
}

func TestSweepActivityDirectoryNotReady(t *testing.T) {
	engine, _, directory, ledger := newTestEngine(t)
	now := time.Now()
	engine.now = func() time.Time { return now }
	ledger.MarkPending("100", now.Add(-26*time.Hour))
	ledger.Promote("100", now.Add(-25*time.Hour))
	directory.ready = false

	assert.Equal(t, 0, engine.SweepActivity(t.Context()))
	state, _ := ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
}

// TestLifecycleEndToEnd walks one user through the full lifecycle:
// join, explicit verification, demotion for inactivity, and the final
// timeout kick.
func TestLifecycleEndToEnd(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	ctx := t.Context()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, easternTime)
	current := t0
	engine.now = func() time.Time { return current }

	// T0: the user joins and is held for verification
	engine.HandleJoin(ctx, "100")
	assert.Equal(t, []string{testMustVerifyRoleID}, guild.rolesOf("100"))
	state, ts := ledger.State("100")
	assert.Equal(t, StateUnverified, state)
	assert.True(t, ts.Equal(t0))

	// T0+1h: a moderator verifies them
	current = t0.Add(time.Hour)
	require.NoError(t, engine.Verify(ctx, "100"))
	assert.Equal(t, []string{testMemberRoleID}, guild.rolesOf("100"))
	state, ts = ledger.State("100")
	assert.Equal(t, StateVerifiedProbation, state)
	assert.True(t, ts.Equal(t0.Add(time.Hour)))

	// T0+25h1s: they never posted, so the activity sweep demotes them
	// and restarts the verification clock
	current = t0.Add(25*time.Hour + time.Second)
	assert.Equal(t, 0, engine.SweepVerification(ctx))
	assert.Equal(t, 1, engine.SweepActivity(ctx))
	assert.Equal(t, []string{testMustVerifyRoleID}, guild.rolesOf("100"))
	state, ts = ledger.State("100")
	assert.Equal(t, StateUnverified, state)
	assert.True(t, ts.Equal(current))

	// 24h1s later: still unverified, so the kick sweep removes them
	current = current.Add(24*time.Hour + time.Second)
	assert.Equal(t, 1, engine.SweepVerification(ctx))
	assert.Equal(t, []string{"100"}, guild.kicked)
	pending, recent := ledger.Len()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, recent)
}

func TestEngineEventWiring(t *testing.T) {
	ledger := NewLedger(LedgerConfig{
		Path: filepath.Join(t.TempDir(), "ledger.json"),
	})
	guild := newFakeGuild()
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	NewEngine(EngineConfig{
		EventBus:           bus,
		Ledger:             ledger,
		Directory:          &fakeDirectory{ready: true},
		Guild:              guild,
		VerificationWindow: 24 * time.Hour,
		ActivityWindow:     24 * time.Hour,
	})

	bus.Publish(
		gateway.MemberJoinEventType,
		event.NewEvent(
			gateway.MemberJoinEventType,
			gateway.MemberJoinEvent{
				UserID:   "100",
				GuildID:  "200",
				JoinedAt: time.Now(),
			},
		),
	)
	require.Eventually(t, func() bool {
		state, _ := ledger.State("100")
		return state == StateUnverified
	}, 2*time.Second, 10*time.Millisecond)

	// A probation user's message clears their probation
	ledger.Promote("300", time.Now())
	bus.Publish(
		gateway.MessageEventType,
		event.NewEvent(
			gateway.MessageEventType,
			gateway.MessageEvent{AuthorID: "300"},
		),
	)
	require.Eventually(t, func() bool {
		state, _ := ledger.State("300")
		return state == StateVerifiedStable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineIgnoresBotMessages(t *testing.T) {
	ledger := NewLedger(LedgerConfig{
		Path: filepath.Join(t.TempDir(), "ledger.json"),
	})
	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	NewEngine(EngineConfig{
		EventBus:           bus,
		Ledger:             ledger,
		Directory:          &fakeDirectory{ready: true},
		Guild:              newFakeGuild(),
		VerificationWindow: 24 * time.Hour,
		ActivityWindow:     24 * time.Hour,
	})
	ledger.Promote("300", time.Now())

	bus.Publish(
		gateway.MessageEventType,
		event.NewEvent(
			gateway.MessageEventType,
			gateway.MessageEvent{AuthorID: "300", Bot: true},
		),
	)

	// Give the async handler a chance to run, then confirm no change
	time.Sleep(100 * time.Millisecond)
	state, _ := ledger.State("300")
	assert.Equal(t, StateVerifiedProbation, state)
}
