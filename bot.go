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

package warden

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wardenlabs/warden/archive"
	"github.com/wardenlabs/warden/backup"
	"github.com/wardenlabs/warden/database"
	"github.com/wardenlabs/warden/economy"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/macro"
	"github.com/wardenlabs/warden/moderation"
	"github.com/wardenlabs/warden/ops"
	"github.com/wardenlabs/warden/provision"
	"github.com/wardenlabs/warden/quota"
	"github.com/wardenlabs/warden/roles"
	"github.com/wardenlabs/warden/shop"
	"github.com/wardenlabs/warden/stats"
	"github.com/wardenlabs/warden/verify"
)

type Bot struct {
	gateway       *gateway.Gateway
	directory     *roles.Directory
	ledger        *verify.Ledger
	engine        *verify.Engine
	scheduler     *verify.Scheduler
	economy       *economy.Service
	shop          *shop.Service
	archive       *archive.Service
	quota         *quota.Service
	macro         *macro.Service
	moderation    *moderation.Service
	stats         *stats.Service
	provision     *provision.Service
	backup        *backup.Service
	ops           *ops.Ops
	eventBus      *event.EventBus
	db            *database.Database
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Bot, error) {
	eventBus := event.NewEventBus(cfg.promRegistry, cfg.logger)
	b := &Bot{
		config:   cfg,
		eventBus: eventBus,
		done:     make(chan struct{}),
	}
	b.populateDefaults()
	if err := b.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return b, nil
}

func (b *Bot) Run() error {
	// Configure tracing
	if b.config.tracing {
		if err := b.setupTracing(); err != nil {
			return err
		}
	}
	// Load database
	dbConfig := &database.Config{
		Logger:         b.config.logger,
		PromRegistry:   b.config.promRegistry,
		DataDir:        b.config.dataDir,
		BlobSpec:       b.config.blobSpec,
		MetadataPlugin: b.config.metadataPlugin,
	}
	db, err := database.New(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	b.db = db
	// Create gateway session
	gw, err := gateway.New(gateway.Config{
		PromRegistry: b.config.promRegistry,
		Logger:       b.config.logger,
		EventBus:     b.eventBus,
		Token:        b.config.token,
		GuildID:      b.config.guildID,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	b.gateway = gw
	// Role directory
	b.directory = roles.New(roles.Config{
		Logger:         b.config.logger,
		EventBus:       b.eventBus,
		Provider:       gw,
		MustVerifyName: b.config.mustVerifyRoleName,
		MemberName:     b.config.memberRoleName,
		AdminName:      b.config.adminRoleName,
		ModeratorName:  b.config.moderatorRoleName,
	})
	// Membership ledger. A missing snapshot is the first-run case,
	// anything else is worth a warning
	b.ledger = verify.NewLedger(verify.LedgerConfig{
		PromRegistry: b.config.promRegistry,
		Logger:       b.config.logger,
		Path:         filepath.Join(b.config.dataDir, "ledger.json"),
	})
	if err := b.ledger.Load(); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		b.config.logger.Warn(
			"failed to load membership ledger",
			"error", err,
		)
	}
	// Verification engine and sweep scheduler
	b.engine = verify.NewEngine(verify.EngineConfig{
		PromRegistry:       b.config.promRegistry,
		Logger:             b.config.logger,
		EventBus:           b.eventBus,
		Ledger:             b.ledger,
		Directory:          b.directory,
		Guild:              gw,
		VerificationWindow: b.config.verificationWindow,
		ActivityWindow:     b.config.postActivityWindow,
	})
	b.scheduler = verify.NewScheduler(verify.SchedulerConfig{
		Logger:   b.config.logger,
		EventBus: b.eventBus,
		Engine:   b.engine,
		Ledger:   b.ledger,
	})
	// Currency ledger
	b.economy = economy.New(economy.Config{
		PromRegistry:     b.config.promRegistry,
		Logger:           b.config.logger,
		EventBus:         b.eventBus,
		DB:               db.Metadata(),
		Directory:        b.directory,
		GuildID:          b.config.guildID,
		AttachmentReward: b.config.attachmentReward,
		DailyAmount:      b.config.dailyReward,
	})
	// Attachment archive
	if b.config.archiveEnabled {
		b.archive = archive.New(archive.Config{
			PromRegistry:      b.config.promRegistry,
			Logger:            b.config.logger,
			EventBus:          b.eventBus,
			DB:                db.Metadata(),
			Blobs:             db.Blob(),
			History:           gw,
			Directory:         b.directory,
			GuildID:           b.config.guildID,
			AllowedExtensions: b.config.allowedExtensions,
			MaxFileSize:       b.config.archiveMaxBytes,
			Concurrency:       b.config.archiveConcurrency,
			RatePerSecond:     float64(b.config.archiveRate),
		})
	}
	// Shop, seeded from the archive when one is running
	var seeder shop.Seeder
	if b.archive != nil {
		seeder = shop.SeederFunc(b.catalogFromArchive)
	}
	b.shop = shop.New(shop.Config{
		PromRegistry: b.config.promRegistry,
		Logger:       b.config.logger,
		DB:           db.Metadata(),
		Wallet:       b.economy,
		Seeder:       seeder,
		GuildID:      b.config.guildID,
	})
	// Weekly posting quota
	if b.config.quotaEnabled {
		b.quota = quota.New(quota.Config{
			PromRegistry: b.config.promRegistry,
			Logger:       b.config.logger,
			EventBus:     b.eventBus,
			DB:           db.Metadata(),
			Guild:        gw,
			Directory:    b.directory,
			GuildID:      b.config.guildID,
			Minimum:      b.config.quotaMinimum,
			ResetWeekday: b.config.quotaResetWeekday,
			ResetHour:    b.config.quotaResetHour,
			ResetMinute:  b.config.quotaResetMinute,
		})
	}
	// Activity statistics
	b.stats = stats.New(stats.Config{
		PromRegistry: b.config.promRegistry,
		Logger:       b.config.logger,
		EventBus:     b.eventBus,
		Guild:        gw,
		Directory:    b.directory,
		Path:         filepath.Join(b.config.dataDir, "stats.json"),
	})
	if err := b.stats.Load(); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		b.config.logger.Warn(
			"failed to load activity state",
			"error", err,
		)
	}
	// Moderation
	b.moderation = moderation.New(moderation.Config{
		PromRegistry: b.config.promRegistry,
		Logger:       b.config.logger,
		EventBus:     b.eventBus,
		DB:           db.Metadata(),
		Guild:        gw,
		Directory:    b.directory,
		GuildID:      b.config.guildID,
	})
	// Guild provisioning
	b.provision = provision.New(provision.Config{
		PromRegistry:        b.config.promRegistry,
		Logger:              b.config.logger,
		Guild:               gw,
		Roster:              provision.NewRosterClient(b.config.rosterURL),
		Directory:           b.directory,
		RegionCode:          b.config.regionCode,
		ChannelsPerCategory: b.config.channelsPerGroup,
	})
	// Encrypted guild snapshots
	if b.config.backupEnabled {
		backupDir := b.config.backupDir
		if backupDir == "" {
			backupDir = filepath.Join(b.config.dataDir, "backups")
		}
		b.backup = backup.New(backup.Config{
			PromRegistry:   b.config.promRegistry,
			Logger:         b.config.logger,
			EventBus:       b.eventBus,
			Guild:          gw,
			Directory:      b.directory,
			Dir:            backupDir,
			Interval:       b.config.backupInterval,
			AllowPlaintext: b.config.backupPlaintext,
		})
	}
	// Collect the built-in commands
	commands := b.engine.Commands()
	commands = append(commands, b.economy.Commands()...)
	commands = append(commands, b.shop.Commands()...)
	if b.archive != nil {
		commands = append(commands, b.archive.Commands()...)
	}
	if b.quota != nil {
		commands = append(commands, b.quota.Commands()...)
	}
	commands = append(commands, b.stats.Commands()...)
	commands = append(commands, b.moderation.Commands()...)
	commands = append(commands, b.provision.Commands()...)
	if b.backup != nil {
		commands = append(commands, b.backup.Commands()...)
	}
	// Macro registry goes last so every built-in command name is
	// reserved before a macro can claim it
	reserved := make([]string, 0, len(commands))
	for _, cmd := range commands {
		reserved = append(reserved, cmd.ApplicationCommand.Name)
	}
	b.macro = macro.New(macro.Config{
		PromRegistry:  b.config.promRegistry,
		Logger:        b.config.logger,
		EventBus:      b.eventBus,
		Messenger:     gw,
		Directory:     b.directory,
		Path:          filepath.Join(b.config.dataDir, "macros.json"),
		ReservedNames: reserved,
	})
	if err := b.macro.Watch(); err != nil {
		// Without the watcher only out-of-band file edits are missed
		b.config.logger.Warn(
			"failed to start macro file watcher",
			"error", err,
		)
	}
	commands = append(commands, b.macro.Commands()...)
	// Resolve role handles and re-arm persisted timers once the
	// session identifies
	b.eventBus.SubscribeFunc(gateway.ReadyEventType, b.handleReadyEvent)
	gw.RegisterCommands(commands)
	// Health and reflection listener
	b.ops = ops.New(ops.Config{
		Logger:          b.config.logger,
		EventBus:        b.eventBus,
		Port:            b.config.opsPort,
		TlsCertFilePath: b.config.tlsCertFilePath,
		TlsKeyFilePath:  b.config.tlsKeyFilePath,
	})
	if err := b.ops.Start(); err != nil {
		return err
	}
	// Open the gateway session
	if err := gw.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Wait for shutdown signal
	<-b.done
	return nil
}

// handleReadyEvent runs the setup that needs a live session: role
// resolution, pending unban timers, and the initial shop catalog. The
// ready event fires again after reconnects, so everything here must
// tolerate repeat calls.
func (b *Bot) handleReadyEvent(_ event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := b.directory.Resolve(ctx); err != nil {
		b.config.logger.Error(
			"failed to resolve guild roles",
			"error", err,
		)
	}
	if count, err := b.moderation.RearmPending(); err != nil {
		b.config.logger.Error(
			"failed to re-arm pending unbans",
			"error", err,
		)
	} else if count > 0 {
		b.config.logger.Info("re-armed pending unbans", "count", count)
	}
	if err := b.shop.Seed(ctx); err != nil {
		b.config.logger.Warn(
			"failed to seed shop catalog",
			"error", err,
		)
	}
}

// catalogFromArchive derives shop catalog candidates from the
// archive's per-channel capture counts, naming each pack after its
// source channel.
func (b *Bot) catalogFromArchive(
	ctx context.Context,
) ([]shop.SeedEntry, error) {
	counts, err := b.archive.ChannelCounts()
	if err != nil {
		return nil, err
	}
	if len(counts) == 0 {
		return nil, nil
	}
	channels, err := b.gateway.Channels(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(channels))
	for _, channel := range channels {
		names[channel.ID] = channel.Name
	}
	entries := make([]shop.SeedEntry, 0, len(counts))
	for _, row := range counts {
		name, ok := names[row.ChannelID]
		if !ok {
			// The channel has since been deleted; keep the pack
			// under its ID
			name = row.ChannelID
		}
		entries = append(entries, shop.SeedEntry{
			Name:  name,
			Count: row.Count,
		})
	}
	return entries, nil
}

func (b *Bot) Stop() error {
	var err error
	b.shutdownOnce.Do(func() {
		err = b.shutdown()
	})
	return err
}

func (b *Bot) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if b.config.shutdownTimeout > 0 {
		shutdownTimeout = b.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	b.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	b.config.logger.Debug("shutdown phase 1: stopping new work")

	if b.ops != nil {
		if stopErr := b.ops.Stop(ctx); stopErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("ops listener shutdown: %w", stopErr),
			)
		}
	}

	if b.scheduler != nil {
		b.scheduler.Stop()
	}

	if b.quota != nil {
		b.quota.Stop()
	}

	if b.backup != nil {
		b.backup.Stop()
	}

	if b.macro != nil {
		b.macro.Stop()
	}

	// Phase 2: Drain and close connections
	b.config.logger.Debug("shutdown phase 2: draining connections")

	if b.moderation != nil {
		b.moderation.Stop()
	}

	if b.gateway != nil {
		if stopErr := b.gateway.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("gateway shutdown: %w", stopErr))
		}
	}

	// Phase 3: Flush state and close database
	b.config.logger.Debug("shutdown phase 3: flushing state")

	if b.ledger != nil {
		if persistErr := b.ledger.Persist(); persistErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("ledger persist: %w", persistErr),
			)
		}
	}

	if b.stats != nil {
		if persistErr := b.stats.Persist(); persistErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("activity state persist: %w", persistErr),
			)
		}
	}

	if b.db != nil {
		if closeErr := b.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}

	// Phase 4: Cleanup resources
	b.config.logger.Debug("shutdown phase 4: cleanup resources")

	// Call registered shutdown functions
	for _, fn := range b.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	b.shutdownFuncs = nil

	if b.eventBus != nil {
		b.eventBus.Stop()
	}

	b.config.logger.Debug("graceful shutdown complete")
	close(b.done)
	return err
}
