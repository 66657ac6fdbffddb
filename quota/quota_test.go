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

package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

const (
	testGuildID      = "200000000000000001"
	testMemberRoleID = "900000000000000002"
)

type fakeGuild struct {
	mu      sync.Mutex
	members map[string]*discordgo.Member
	kicked  []string
	kickErr error
}

func (f *fakeGuild) Member(
	_ context.Context,
	userID string,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member, ok := f.members[userID]
	if !ok {
		return nil, fmt.Errorf("fetch member %s: %w", userID, gateway.ErrNotFound)
	}
	return member, nil
}

func (f *fakeGuild) Kick(_ context.Context, userID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kickErr != nil {
		return f.kickErr
	}
	f.kicked = append(f.kicked, userID)
	delete(f.members, userID)
	return nil
}

type fakeDirectory struct {
	ready bool
	allow bool
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

func memberWithRoles(userID string, roleIDs ...string) *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: userID},
		Roles: roleIDs,
	}
}

func newTestQuota(t *testing.T) (*Service, *fakeGuild, *fakeDirectory) {
	t.Helper()
	store, err := metadata.New("sqlite", t.TempDir(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	guild := &fakeGuild{members: make(map[string]*discordgo.Member)}
	directory := &fakeDirectory{ready: true, allow: true}
	s := New(Config{
		DB:        store,
		Guild:     guild,
		Directory: directory,
		GuildID:   testGuildID,
	})
	return s, guild, directory
}

func TestNextReset(t *testing.T) {
	// 2025-03-05 is a Wednesday
	wednesday := time.Date(2025, 3, 5, 10, 0, 0, 0, easternTime)
	assert.Equal(
		t,
		time.Date(2025, 3, 7, 23, 30, 0, 0, easternTime),
		nextReset(wednesday, time.Friday, 23, 30),
	)

	// A minute before the reset still lands on the same Friday
	assert.Equal(
		t,
		time.Date(2025, 3, 7, 23, 30, 0, 0, easternTime),
		nextReset(
			time.Date(2025, 3, 7, 23, 29, 0, 0, easternTime),
			time.Friday, 23, 30,
		),
	)

	// Exactly at the reset rolls to the following week
	assert.Equal(
		t,
		time.Date(2025, 3, 14, 23, 30, 0, 0, easternTime),
		nextReset(
			time.Date(2025, 3, 7, 23, 30, 0, 0, easternTime),
			time.Friday, 23, 30,
		),
	)

	// Saturday crosses the spring DST change and still lands on the
	// Friday wall-clock time
	assert.Equal(
		t,
		time.Date(2025, 3, 14, 23, 30, 0, 0, easternTime),
		nextReset(
			time.Date(2025, 3, 8, 10, 0, 0, 0, easternTime),
			time.Friday, 23, 30,
		),
	)

	// A custom schedule is honored
	assert.Equal(
		t,
		time.Date(2025, 3, 9, 8, 15, 0, 0, easternTime),
		nextReset(wednesday, time.Sunday, 8, 15),
	)
}

func TestResetScheduleDefaults(t *testing.T) {
	s, _, _ := newTestQuota(t)
	assert.Equal(t, time.Friday, s.config.ResetWeekday)
	assert.Equal(t, 23, s.config.ResetHour)
	assert.Equal(t, 30, s.config.ResetMinute)

	store, err := metadata.New("sqlite", t.TempDir(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	custom := New(Config{
		DB:           store,
		GuildID:      testGuildID,
		ResetWeekday: time.Sunday,
		ResetHour:    8,
		ResetMinute:  15,
	})
	assert.Equal(t, time.Sunday, custom.config.ResetWeekday)
	assert.Equal(t, 8, custom.config.ResetHour)
	assert.Equal(t, 15, custom.config.ResetMinute)
}

func TestTrack(t *testing.T) {
	s, _, _ := newTestQuota(t)

	require.NoError(t, s.Track("100", 2))
	require.NoError(t, s.Track("100", 3))
	require.NoError(t, s.Track("200", 1))
	require.NoError(t, s.Track("300", 0))

	rows, err := s.Counts()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "100", rows[0].UserID)
	assert.Equal(t, 5, rows[0].Count)
	assert.Equal(t, "200", rows[1].UserID)
	assert.Equal(t, 1, rows[1].Count)
}

func TestTrackFromMessageEvents(t *testing.T) {
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	store, err := metadata.New("sqlite", t.TempDir(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	s := New(Config{
		DB:       store,
		EventBus: eb,
		GuildID:  testGuildID,
	})

	atts := []gateway.Attachment{
		{ID: "1", Filename: "a.jpg"},
		{ID: "2", Filename: "b.jpg"},
	}
	eb.Publish(
		gateway.MessageEventType,
		event.NewEvent(gateway.MessageEventType, gateway.MessageEvent{
			MessageID:   "300000000000000001",
			AuthorID:    "100",
			Attachments: atts,
		}),
	)
	require.Eventually(t, func() bool {
		rows, err := s.Counts()
		return err == nil && len(rows) == 1 && rows[0].Count == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Bot uploads and bare messages do not count
	eb.Publish(
		gateway.MessageEventType,
		event.NewEvent(gateway.MessageEventType, gateway.MessageEvent{
			MessageID:   "300000000000000002",
			AuthorID:    "100",
			Attachments: atts,
			Bot:         true,
		}),
	)
	eb.Publish(
		gateway.MessageEventType,
		event.NewEvent(gateway.MessageEventType, gateway.MessageEvent{
			MessageID: "300000000000000003",
			AuthorID:  "100",
		}),
	)
	time.Sleep(100 * time.Millisecond)
	rows, err := s.Counts()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Count)
}

func TestResetCounts(t *testing.T) {
	s, _, _ := newTestQuota(t)
	require.NoError(t, s.Track("100", 7))
	require.NoError(t, s.Track("200", 3))

	require.NoError(t, s.ResetCounts())

	// Rows survive the reset zeroed
	rows, err := s.Counts()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Count)
	assert.Equal(t, 0, rows[1].Count)
}

func TestSweep(t *testing.T) {
	s, guild, _ := newTestQuota(t)
	guild.members["100"] = memberWithRoles("100", testMemberRoleID)
	guild.members["200"] = memberWithRoles("200", testMemberRoleID)
	guild.members["300"] = memberWithRoles("300", "900000000000000099")

	require.NoError(t, s.Track("100", 2))
	require.NoError(t, s.Track("200", 7))
	require.NoError(t, s.Track("300", 1))
	// "400" left the guild with a counter row still present
	require.NoError(t, s.Track("400", 1))

	kicked := s.Sweep(t.Context())
	assert.Equal(t, 1, kicked)
	assert.Equal(t, []string{"100"}, guild.kicked)

	rows, err := s.Counts()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "200", rows[0].UserID)
	// Non-Members are not subject to the quota but keep their row
	assert.Equal(t, "300", rows[1].UserID)
}

func TestSweepKickFailure(t *testing.T) {
	s, guild, _ := newTestQuota(t)
	guild.members["100"] = memberWithRoles("100", testMemberRoleID)
	guild.kickErr = errors.New("boom")
	require.NoError(t, s.Track("100", 1))

	kicked := s.Sweep(t.Context())
	assert.Zero(t, kicked)

	// The row survives for the next sweep
	rows, err := s.Counts()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSweepKickNotFound(t *testing.T) {
	s, guild, _ := newTestQuota(t)
	guild.members["100"] = memberWithRoles("100", testMemberRoleID)
	guild.kickErr = fmt.Errorf("kick member 100: %w", gateway.ErrNotFound)
	require.NoError(t, s.Track("100", 1))

	kicked := s.Sweep(t.Context())
	assert.Zero(t, kicked)

	// Already-departed members are retired without counting as kicks
	rows, err := s.Counts()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSweepDirectoryNotReady(t *testing.T) {
	s, guild, directory := newTestQuota(t)
	directory.ready = false
	guild.members["100"] = memberWithRoles("100", testMemberRoleID)
	require.NoError(t, s.Track("100", 1))

	assert.Zero(t, s.Sweep(t.Context()))
	assert.Empty(t, guild.kicked)
}

func TestStartIdempotent(t *testing.T) {
	s, _, _ := newTestQuota(t)
	s.Start()
	s.Start()
	s.Stop()
}

func TestStopCancelsTimer(t *testing.T) {
	s, _, _ := newTestQuota(t)
	s.Start()
	s.Stop()
	s.timerMutex.Lock()
	assert.Nil(t, s.resetTimer)
	assert.True(t, s.stopped)
	s.timerMutex.Unlock()
	// A second Stop is safe
	s.Stop()
}
