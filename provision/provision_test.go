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

package provision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	channels          []*discordgo.Channel
	createdCategories []string
	createdChannels   []string
	categoryErr       error
	channelErr        error
	nextID            int
}

func (f *fakeBuilder) Channels(
	_ context.Context,
) ([]*discordgo.Channel, error) {
	return append([]*discordgo.Channel(nil), f.channels...), nil
}

func (f *fakeBuilder) CreateCategory(
	_ context.Context,
	name string,
) (*discordgo.Channel, error) {
	if f.categoryErr != nil {
		return nil, f.categoryErr
	}
	f.nextID++
	channel := &discordgo.Channel{
		ID:   fmt.Sprintf("cat-%d", f.nextID),
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	}
	f.channels = append(f.channels, channel)
	f.createdCategories = append(f.createdCategories, name)
	return channel, nil
}

func (f *fakeBuilder) CreateTextChannel(
	_ context.Context,
	name string,
	parentID string,
) (*discordgo.Channel, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	f.nextID++
	channel := &discordgo.Channel{
		ID:       fmt.Sprintf("ch-%d", f.nextID),
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: parentID,
	}
	f.channels = append(f.channels, channel)
	f.createdChannels = append(f.createdChannels, name)
	return channel, nil
}

type fakeRoster struct {
	counties   []string
	err        error
	lastRegion string
}

func (f *fakeRoster) Counties(
	_ context.Context,
	regionCode string,
) ([]string, error) {
	f.lastRegion = regionCode
	if f.err != nil {
		return nil, f.err
	}
	return f.counties, nil
}

// Static scaffolding size: three categories, eight channels.
const (
	staticCategories = 3
	staticChannels   = 8
)

func newTestProvision(
	t *testing.T,
	counties []string,
) (*Service, *fakeBuilder, *fakeRoster) {
	t.Helper()
	builder := &fakeBuilder{}
	roster := &fakeRoster{counties: counties}
	s := New(Config{
		Guild:          builder,
		Roster:         roster,
		Directory:      &fakeDirectory{allow: true},
		CreateInterval: time.Millisecond,
	})
	return s, builder, roster
}

func TestProvisionCreatesLayout(t *testing.T) {
	s, builder, roster := newTestProvision(
		t, []string{"Adair", "Allen", "Ballard"},
	)

	result, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, staticCategories+1, result.Categories)
	assert.Equal(t, staticChannels+3, result.Channels)
	assert.Equal(t, DefaultRegionCode, roster.lastRegion)

	assert.Contains(t, builder.createdCategories, "Rules & Verify")
	assert.Contains(t, builder.createdCategories, "Admin & Mod")
	assert.Contains(t, builder.createdCategories, "Misc")
	assert.Contains(t, builder.createdCategories, "Counties (Adair - Ballard)")
	assert.Contains(t, builder.createdChannels, "rules")
	assert.Contains(t, builder.createdChannels, "dropbox")
	assert.Contains(t, builder.createdChannels, "adair")
	assert.Contains(t, builder.createdChannels, "ballard")
}

func TestProvisionIdempotent(t *testing.T) {
	s, builder, _ := newTestProvision(t, []string{"Adair", "Allen"})

	first, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	require.Equal(t, staticChannels+2, first.Channels)
	created := len(builder.createdChannels)

	second, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)
	assert.Len(t, builder.createdChannels, created)
	assert.Len(t, builder.createdCategories, staticCategories+1)
}

func TestProvisionFillsGaps(t *testing.T) {
	s, builder, _ := newTestProvision(t, []string{"Adair", "Allen"})

	_, err := s.Provision(t.Context(), "")
	require.NoError(t, err)

	// A deleted channel reappears on the next run, nothing else does
	for i, channel := range builder.channels {
		if channel.Name == "adair" {
			builder.channels = append(
				builder.channels[:i], builder.channels[i+1:]...,
			)
			break
		}
	}
	result, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, Result{Categories: 0, Channels: 1}, result)
}

func TestProvisionSplitsCategories(t *testing.T) {
	counties := make([]string, 60)
	for i := range counties {
		counties[i] = fmt.Sprintf("c%03d", i+1)
	}
	s, builder, _ := newTestProvision(t, counties)

	result, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, staticCategories+2, result.Categories)
	assert.Equal(t, staticChannels+60, result.Channels)
	assert.Contains(t, builder.createdCategories, "Counties (c001 - c050)")
	assert.Contains(t, builder.createdCategories, "Counties (c051 - c060)")
}

func TestProvisionCustomChunkSize(t *testing.T) {
	builder := &fakeBuilder{}
	roster := &fakeRoster{counties: []string{"Adair", "Allen", "Ballard"}}
	s := New(Config{
		Guild:               builder,
		Roster:              roster,
		Directory:           &fakeDirectory{allow: true},
		CreateInterval:      time.Millisecond,
		ChannelsPerCategory: 2,
	})

	result, err := s.Provision(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, staticCategories+2, result.Categories)
	assert.Contains(t, builder.createdCategories, "Counties (Adair - Allen)")
	assert.Contains(t, builder.createdCategories, "Counties (Ballard - Ballard)")
}

func TestProvisionEmptyRoster(t *testing.T) {
	s, builder, _ := newTestProvision(t, nil)

	result, err := s.Provision(t.Context(), "")
	assert.ErrorIs(t, err, ErrEmptyRoster)
	// The static scaffolding still went up before the roster fetch
	assert.Equal(t, staticCategories, result.Categories)
	assert.Equal(t, staticChannels, result.Channels)
	assert.Len(t, builder.createdCategories, staticCategories)
}

func TestProvisionSingleFlight(t *testing.T) {
	s, _, _ := newTestProvision(t, []string{"Adair"})

	s.runMutex.Lock()
	_, err := s.Provision(t.Context(), "")
	s.runMutex.Unlock()
	assert.ErrorIs(t, err, ErrRunInProgress)

	_, err = s.Provision(t.Context(), "")
	assert.NoError(t, err)
}

func TestProvisionContextCancelled(t *testing.T) {
	s, builder, _ := newTestProvision(t, []string{"Adair"})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := s.Provision(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, builder.createdCategories)
}

func TestChannelName(t *testing.T) {
	for input, expected := range map[string]string{
		"Adair":         "adair",
		"Van Buren":     "van-buren",
		"St. Clair":     "st-clair",
		"O'Brien":       "obrien",
		"LaRue":         "larue",
		"Richmond city": "richmond-city",
		"  Trimmed  ":   "trimmed",
	} {
		assert.Equal(t, expected, channelName(input), "input %q", input)
	}
}

func TestRegionCode(t *testing.T) {
	code, ok := RegionCode("Kentucky")
	require.True(t, ok)
	assert.Equal(t, "21", code)

	code, ok = RegionCode("new york")
	require.True(t, ok)
	assert.Equal(t, "36", code)

	_, ok = RegionCode("Atlantis")
	assert.False(t, ok)
}

func TestCountyName(t *testing.T) {
	for input, expected := range map[string]string{
		"Adair County, Kentucky":                    "Adair",
		"Richmond city, Virginia":                   "Richmond city",
		"District of Columbia, District of Columbia": "District of Columbia",
		"Adair County": "Adair",
	} {
		assert.Equal(t, expected, countyName(input), "input %q", input)
	}
}
