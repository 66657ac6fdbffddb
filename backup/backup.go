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

// Package backup takes periodic snapshots of the guild's members,
// channels, and roles and writes them to disk, encrypted with SOPS
// using the master keys configured in the environment.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/sops"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

const (
	// DefaultInterval between scheduled snapshots
	DefaultInterval = 24 * time.Hour

	// A full member walk on a large guild can take a while
	snapshotTimeout = 5 * time.Minute
)

// ErrBackupInProgress is returned when a snapshot is requested while
// another one is still being written.
var ErrBackupInProgress = errors.New("a backup is already running")

// GuildReader is the slice of the gateway a snapshot reads.
type GuildReader interface {
	Guild(ctx context.Context) (*discordgo.Guild, error)
	Members(ctx context.Context) ([]*discordgo.Member, error)
	Channels(ctx context.Context) ([]*discordgo.Channel, error)
	Roles(ctx context.Context) ([]*discordgo.Role, error)
}

// RoleDirectory answers capability checks for the backup command.
type RoleDirectory interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Guild        GuildReader
	Directory    RoleDirectory
	// Dir receives the snapshot files
	Dir string
	// Interval between scheduled snapshots; zero selects the default
	Interval time.Duration
	// AllowPlaintext writes an unencrypted snapshot when no master
	// key is usable. The default is to fail the backup instead
	AllowPlaintext bool
}

// Service owns the backup schedule and the snapshot writes.
type Service struct {
	config  Config
	metrics struct {
		snapshots prometheus.Counter
		failures  prometheus.Counter
	}
	logger  *slog.Logger
	guild   GuildReader
	now     func() time.Time
	newID   func() string
	encrypt func([]byte) ([]byte, error)

	runMutex sync.Mutex

	startOnce   sync.Once
	timerMutex  sync.Mutex
	backupTimer *time.Timer
	stopped     bool
	backupWG    sync.WaitGroup
}

func New(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Service{
		config:  cfg,
		guild:   cfg.Guild,
		now:     time.Now,
		newID:   uuid.NewString,
		encrypt: sops.Encrypt,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "backup")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.snapshots = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_backup_snapshots_total",
			Help: "guild snapshots written",
		},
	)
	s.metrics.failures = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_backup_failures_total",
			Help: "snapshot attempts that failed",
		},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.ReadyEventType,
			func(_ event.Event) {
				// The ready event fires again after reconnects, so
				// Start must tolerate repeat calls
				s.Start()
			},
		)
	}
	return s
}

// Start takes an initial snapshot and arms the interval timer. Safe to
// call more than once.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.logger.Info(
			"backup schedule started",
			"interval", s.config.Interval.String(),
			"dir", s.config.Dir,
		)
		go s.runBackup()
		s.scheduleBackup()
	})
}

// Stop cancels the backup timer and waits for an in-flight snapshot.
func (s *Service) Stop() {
	s.timerMutex.Lock()
	s.stopped = true
	if s.backupTimer != nil {
		s.backupTimer.Stop()
		s.backupTimer = nil
	}
	s.timerMutex.Unlock()
	s.backupWG.Wait()
}

func (s *Service) scheduleBackup() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.stopped {
		return
	}
	if s.backupTimer != nil {
		s.backupTimer.Stop()
	}
	s.backupTimer = time.AfterFunc(
		s.config.Interval,
		func() {
			// schedule next run
			defer s.scheduleBackup()
			s.runBackup()
		},
	)
}

func (s *Service) runBackup() {
	s.timerMutex.Lock()
	if s.stopped {
		s.timerMutex.Unlock()
		return
	}
	// Track this backup while we know the service is running
	s.backupWG.Add(1)
	s.timerMutex.Unlock()
	defer s.backupWG.Done()
	ctx, cancel := context.WithTimeout(
		context.Background(), snapshotTimeout,
	)
	defer cancel()
	result, err := s.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, ErrBackupInProgress) {
			return
		}
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info(
		"snapshot written",
		"path", result.Path,
		"members", result.Members,
		"channels", result.Channels,
		"roles", result.Roles,
		"encrypted", result.Encrypted,
	)
}

// Result describes one written snapshot.
type Result struct {
	Path      string
	ID        string
	Encrypted bool
	Members   int
	Channels  int
	Roles     int
}

// Snapshot captures the guild and writes it to the backup directory,
// encrypted unless plaintext is explicitly allowed. Only one snapshot
// runs at a time.
func (s *Service) Snapshot(ctx context.Context) (*Result, error) {
	if !s.runMutex.TryLock() {
		return nil, ErrBackupInProgress
	}
	defer s.runMutex.Unlock()

	snap, err := s.collect(ctx)
	if err != nil {
		s.metrics.failures.Inc()
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.metrics.failures.Inc()
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	output := data
	encrypted := true
	if ciphertext, err := s.encrypt(data); err != nil {
		if !s.config.AllowPlaintext {
			s.metrics.failures.Inc()
			return nil, fmt.Errorf("encrypting snapshot: %w", err)
		}
		// Plaintext fallback is opt-in; without it a missing master
		// key fails the backup outright
		s.logger.Warn("writing snapshot unencrypted", "error", err)
		encrypted = false
	} else {
		output = ciphertext
	}

	path := filepath.Join(s.config.Dir, fileName(snap.TakenAt, snap.ID))
	if err := s.write(path, output); err != nil {
		s.metrics.failures.Inc()
		return nil, err
	}
	s.metrics.snapshots.Inc()
	return &Result{
		Path:      path,
		ID:        snap.ID,
		Encrypted: encrypted,
		Members:   len(snap.Members),
		Channels:  len(snap.Channels),
		Roles:     len(snap.Roles),
	}, nil
}

func (s *Service) collect(ctx context.Context) (*Snapshot, error) {
	guild, err := s.guild.Guild(ctx)
	if err != nil {
		return nil, err
	}
	members, err := s.guild.Members(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := s.guild.Channels(ctx)
	if err != nil {
		return nil, err
	}
	guildRoles, err := s.guild.Roles(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ID:        s.newID(),
		TakenAt:   s.now().UTC(),
		GuildID:   guild.ID,
		GuildName: guild.Name,
		Members:   make([]MemberRecord, 0, len(members)),
		Channels:  make([]ChannelRecord, 0, len(channels)),
		Roles:     make([]RoleRecord, 0, len(guildRoles)),
	}
	for _, member := range members {
		record := MemberRecord{
			JoinedAt: member.JoinedAt,
			Roles:    member.Roles,
		}
		if member.User != nil {
			record.ID = member.User.ID
			record.Username = member.User.Username
			record.Bot = member.User.Bot
		}
		snap.Members = append(snap.Members, record)
	}
	for _, channel := range channels {
		snap.Channels = append(snap.Channels, ChannelRecord{
			ID:       channel.ID,
			Name:     channel.Name,
			Type:     channelTypeName(channel.Type),
			ParentID: channel.ParentID,
		})
	}
	for _, role := range guildRoles {
		snap.Roles = append(snap.Roles, RoleRecord{
			ID:   role.ID,
			Name: role.Name,
		})
	}
	return snap, nil
}

func (s *Service) write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".backup-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
