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

// Package stats tracks per-member activity from gateway events:
// message counts and time spent in voice channels. Counters live in
// memory and are snapshotted to a JSON state file across restarts.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
)

// GuildReader is the slice of the gateway the statistics commands
// consume.
type GuildReader interface {
	Guild(ctx context.Context) (*discordgo.Guild, error)
	Member(ctx context.Context, userID string) (*discordgo.Member, error)
	Members(ctx context.Context) ([]*discordgo.Member, error)
	Channels(ctx context.Context) ([]*discordgo.Channel, error)
	Roles(ctx context.Context) ([]*discordgo.Role, error)
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Guild        GuildReader
	Directory    RoleDirectory
	// Path of the JSON state file
	Path string
}

// Service accumulates activity counters and answers the statistics
// commands.
type Service struct {
	config  Config
	metrics struct {
		messages      prometheus.Counter
		voiceSessions prometheus.Counter
	}
	logger *slog.Logger
	guild  GuildReader
	now    func() time.Time

	mutex         sync.Mutex
	messageCounts map[string]int64
	voiceTotals   map[string]time.Duration
	voiceStarts   map[string]time.Time
}

func New(cfg Config) *Service {
	s := &Service{
		config:        cfg,
		guild:         cfg.Guild,
		now:           time.Now,
		messageCounts: make(map[string]int64),
		voiceTotals:   make(map[string]time.Duration),
		voiceStarts:   make(map[string]time.Time),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "stats")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.messages = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_stats_messages_total",
			Help: "guild messages counted",
		},
	)
	s.metrics.voiceSessions = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_stats_voice_sessions_total",
			Help: "completed voice sessions",
		},
	)
	promautoFactory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "warden_stats_voice_active",
			Help: "voice sessions currently open",
		},
		func() float64 {
			s.mutex.Lock()
			defer s.mutex.Unlock()
			return float64(len(s.voiceStarts))
		},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.MessageEventType,
			s.handleMessageEvent,
		)
		cfg.EventBus.SubscribeFunc(
			gateway.VoiceStateEventType,
			s.handleVoiceStateEvent,
		)
	}
	return s
}

func (s *Service) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok {
		return
	}
	if msg.Bot {
		return
	}
	s.mutex.Lock()
	s.messageCounts[msg.AuthorID]++
	s.mutex.Unlock()
	s.metrics.messages.Inc()
}

func (s *Service) handleVoiceStateEvent(evt event.Event) {
	state, ok := evt.Data.(gateway.VoiceStateEvent)
	if !ok {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if state.ChannelID != "" {
		// Joins open a session; channel moves and mute toggles arrive
		// as updates with a channel set and keep the original start
		if _, ok := s.voiceStarts[state.UserID]; !ok {
			s.voiceStarts[state.UserID] = s.now()
		}
		return
	}
	start, ok := s.voiceStarts[state.UserID]
	if !ok {
		return
	}
	delete(s.voiceStarts, state.UserID)
	s.voiceTotals[state.UserID] += s.now().Sub(start)
	s.metrics.voiceSessions.Inc()
}

// MessageCount returns how many messages a member has sent since
// tracking began.
func (s *Service) MessageCount(userID string) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.messageCounts[userID]
}

// VoiceTime returns a member's accumulated voice time, including the
// elapsed part of a session still open.
func (s *Service) VoiceTime(userID string) time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	total := s.voiceTotals[userID]
	if start, ok := s.voiceStarts[userID]; ok {
		total += s.now().Sub(start)
	}
	return total
}

type stateFile struct {
	MessageCounts map[string]int64 `json:"message_counts"`
	VoiceSeconds  map[string]int64 `json:"voice_seconds"`
}

// Persist writes the activity state to the configured path. Open voice
// sessions are credited up to now and restamped, so a shutdown doesn't
// drop them and a later leave event doesn't double-count.
func (s *Service) Persist() error {
	s.mutex.Lock()
	now := s.now()
	for userID, start := range s.voiceStarts {
		s.voiceTotals[userID] += now.Sub(start)
		s.voiceStarts[userID] = now
	}
	state := stateFile{
		MessageCounts: make(map[string]int64, len(s.messageCounts)),
		VoiceSeconds:  make(map[string]int64, len(s.voiceTotals)),
	}
	for userID, count := range s.messageCounts {
		state.MessageCounts[userID] = count
	}
	for userID, total := range s.voiceTotals {
		state.VoiceSeconds[userID] = int64(total.Seconds())
	}
	s.mutex.Unlock()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode activity state: %w", err)
	}
	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return fmt.Errorf("create state temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close state temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.config.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Load replaces the in-memory counters with the state file at the
// configured path. A missing or corrupt file leaves the counters empty
// and returns an error the caller is expected to log as a warning, not
// treat as fatal.
func (s *Service) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messageCounts = make(map[string]int64)
	s.voiceTotals = make(map[string]time.Duration)
	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return fmt.Errorf("read activity state: %w", err)
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode activity state: %w", err)
	}
	for userID, count := range state.MessageCounts {
		s.messageCounts[userID] = count
	}
	for userID, seconds := range state.VoiceSeconds {
		s.voiceTotals[userID] = time.Duration(seconds) * time.Second
	}
	return nil
}
