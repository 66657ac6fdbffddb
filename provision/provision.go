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

// Package provision builds the guild's channel scaffolding: a fixed
// set of categories every deployment gets, plus one text channel per
// county in a region, with the county roster fetched from the public
// census API.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/roles"
	"golang.org/x/time/rate"
)

const (
	// The platform refuses to parent more channels than this under a
	// single category
	maxChannelsPerCategory = 50

	defaultCreateInterval = time.Second
)

var (
	// ErrRunInProgress is returned when a provisioning run is started
	// while another is still going.
	ErrRunInProgress = errors.New("provisioning run already in progress")
	// ErrEmptyRoster is returned when the census roster has no
	// counties for the requested region.
	ErrEmptyRoster = errors.New("county roster is empty")
)

// staticLayout is the category scaffolding created before the county
// channels.
var staticLayout = []struct {
	category string
	channels []string
}{
	{"Rules & Verify", []string{"rules", "verify"}},
	{"Admin & Mod", []string{"admin", "mod", "logs"}},
	{"Misc", []string{"chat", "requests", "dropbox"}},
}

// GuildBuilder is the slice of the gateway provisioning consumes.
type GuildBuilder interface {
	Channels(ctx context.Context) ([]*discordgo.Channel, error)
	CreateCategory(ctx context.Context, name string) (*discordgo.Channel, error)
	CreateTextChannel(
		ctx context.Context,
		name string,
		parentID string,
	) (*discordgo.Channel, error)
}

// Roster supplies the county names for a region.
type Roster interface {
	Counties(ctx context.Context, regionCode string) ([]string, error)
}

// RoleDirectory answers capability checks for the provision command.
type RoleDirectory interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	Guild        GuildBuilder
	Roster       Roster
	Directory    RoleDirectory
	// RegionCode is the census FIPS code used when a run names no
	// region; empty selects the default
	RegionCode string
	// CreateInterval paces category and channel creation; zero selects
	// the default of one per second
	CreateInterval time.Duration
	// ChannelsPerCategory caps county channels per category; zero
	// selects the platform maximum of 50
	ChannelsPerCategory int
}

// Service runs provisioning passes against the guild.
type Service struct {
	config  Config
	metrics struct {
		categories prometheus.Counter
		channels   prometheus.Counter
		runs       prometheus.Counter
	}
	logger  *slog.Logger
	guild   GuildBuilder
	roster  Roster
	limiter *rate.Limiter

	// Guards against overlapping provisioning runs
	runMutex sync.Mutex
}

func New(cfg Config) *Service {
	if cfg.RegionCode == "" {
		cfg.RegionCode = DefaultRegionCode
	}
	if cfg.CreateInterval <= 0 {
		cfg.CreateInterval = defaultCreateInterval
	}
	if cfg.ChannelsPerCategory <= 0 ||
		cfg.ChannelsPerCategory > maxChannelsPerCategory {
		cfg.ChannelsPerCategory = maxChannelsPerCategory
	}
	s := &Service{
		config:  cfg,
		guild:   cfg.Guild,
		roster:  cfg.Roster,
		limiter: rate.NewLimiter(rate.Every(cfg.CreateInterval), 1),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "provision")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.categories = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_provision_categories_created_total",
			Help: "categories created by provisioning runs",
		},
	)
	s.metrics.channels = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_provision_channels_created_total",
			Help: "channels created by provisioning runs",
		},
	)
	s.metrics.runs = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_provision_runs_total",
			Help: "completed provisioning runs",
		},
	)
	return s
}

// Result reports what one provisioning run created.
type Result struct {
	Categories int
	Channels   int
}

// Provision builds the static layout and the county channels for the
// region. Existing categories and channels are reused, so a rerun only
// fills gaps. Creation is paced to stay under the platform's rate
// limits, and context cancellation stops the run between creates.
func (s *Service) Provision(
	ctx context.Context,
	regionCode string,
) (Result, error) {
	if !s.runMutex.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer s.runMutex.Unlock()
	if regionCode == "" {
		regionCode = s.config.RegionCode
	}
	var result Result
	layout, err := s.existingLayout(ctx)
	if err != nil {
		return result, err
	}
	for _, block := range staticLayout {
		err := s.buildBlock(ctx, layout, &result, block.category, block.channels)
		if err != nil {
			return result, err
		}
	}
	counties, err := s.roster.Counties(ctx, regionCode)
	if err != nil {
		return result, fmt.Errorf("fetch county roster: %w", err)
	}
	if len(counties) == 0 {
		return result, ErrEmptyRoster
	}
	perCategory := s.config.ChannelsPerCategory
	for start := 0; start < len(counties); start += perCategory {
		end := min(start+perCategory, len(counties))
		block := counties[start:end]
		category := fmt.Sprintf(
			"Counties (%s - %s)",
			block[0],
			block[len(block)-1],
		)
		channels := make([]string, 0, len(block))
		for _, county := range block {
			channels = append(channels, channelName(county))
		}
		if err := s.buildBlock(ctx, layout, &result, category, channels); err != nil {
			return result, err
		}
	}
	s.metrics.runs.Inc()
	s.logger.Info(
		"provisioning run complete",
		"region", regionCode,
		"categories", result.Categories,
		"channels", result.Channels,
	)
	return result, nil
}

// guildLayout indexes what already exists so reruns skip it.
type guildLayout struct {
	categories map[string]string
	channels   map[string]map[string]bool
}

func (s *Service) existingLayout(ctx context.Context) (*guildLayout, error) {
	channels, err := s.guild.Channels(ctx)
	if err != nil {
		return nil, err
	}
	layout := &guildLayout{
		categories: make(map[string]string),
		channels:   make(map[string]map[string]bool),
	}
	for _, channel := range channels {
		if channel.Type == discordgo.ChannelTypeGuildCategory {
			layout.categories[channel.Name] = channel.ID
			continue
		}
		set, ok := layout.channels[channel.ParentID]
		if !ok {
			set = make(map[string]bool)
			layout.channels[channel.ParentID] = set
		}
		set[channel.Name] = true
	}
	return layout, nil
}

func (s *Service) buildBlock(
	ctx context.Context,
	layout *guildLayout,
	result *Result,
	categoryName string,
	channelNames []string,
) error {
	categoryID, ok := layout.categories[categoryName]
	if !ok {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		category, err := s.guild.CreateCategory(ctx, categoryName)
		if err != nil {
			return err
		}
		categoryID = category.ID
		layout.categories[categoryName] = categoryID
		result.Categories++
		s.metrics.categories.Inc()
		s.logger.Info("category created", "name", categoryName)
	}
	for _, name := range channelNames {
		if layout.channels[categoryID][name] {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.guild.CreateTextChannel(ctx, name, categoryID); err != nil {
			return err
		}
		set, ok := layout.channels[categoryID]
		if !ok {
			set = make(map[string]bool)
			layout.channels[categoryID] = set
		}
		set[name] = true
		result.Channels++
		s.metrics.channels.Inc()
		s.logger.Info(
			"channel created",
			"name", name,
			"category", categoryName,
		)
	}
	return nil
}

// channelName converts a county name to the platform's channel naming
// convention: lowercase, hyphen-separated, punctuation dropped.
func channelName(name string) string {
	var sb strings.Builder
	hyphenated := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			hyphenated = false
		case r == ' ' || r == '-' || r == '_':
			if !hyphenated && sb.Len() > 0 {
				sb.WriteByte('-')
				hyphenated = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
