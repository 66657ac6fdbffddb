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

// Package archive captures message attachments durably: content goes
// to the blob store under guild/channel/message/filename keys,
// metadata (digest, size, uploader, location) to the metadata store.
// Live capture subscribes to gateway message events; Backfill walks a
// channel's history through the same pipeline.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/plugin/blob"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/database/types"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultConcurrency bounds parallel downloads per message
	DefaultConcurrency = 5
	// DefaultRatePerSecond paces downloads across the pipeline
	DefaultRatePerSecond = 5
	// DefaultMaxFileSize caps stored content at 100 MiB
	DefaultMaxFileSize = 100 << 20
	// downloadTimeout bounds a single attachment fetch
	downloadTimeout = 60 * time.Second
	// historyPageSize is the platform's maximum page for channel
	// history
	historyPageSize = 100
	// searchBurst searches are allowed per searchWindow per user
	searchBurst  = 5
	searchWindow = time.Hour
)

// DefaultExtensions lists the filename extensions captured when the
// config does not override them.
var DefaultExtensions = []string{
	"jpg", "jpeg", "png", "gif", "mp4", "mov", "avi", "txt", "pdf",
}

var (
	ErrSearchCooldown  = errors.New("search cooldown active")
	ErrBackfillRunning = errors.New("backfill already running")

	errTooLarge = errors.New("attachment exceeds size cap")

	unsafeFilenameChars = regexp.MustCompile(`[^\w\-. ]+`)
)

// SanitizeFilename strips characters that are unsafe in blob keys and
// filesystem paths.
func SanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "")
}

// HistorySource pages through a channel's message history, newest
// first. The gateway implements it against the live session.
type HistorySource interface {
	ChannelMessageHistory(
		ctx context.Context,
		channelID string,
		beforeID string,
		limit int,
	) ([]*discordgo.Message, error)
}

// CapabilityChecker gates the backfill surface.
type CapabilityChecker interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	DB           metadata.MetadataStore
	Blobs        blob.BlobStore
	History      HistorySource
	Directory    CapabilityChecker
	// HTTPClient fetches attachment content; nil selects a default
	// client
	HTTPClient *http.Client
	GuildID    string
	// AllowedExtensions filters captures by filename extension
	// (without the dot); nil selects DefaultExtensions
	AllowedExtensions []string
	// MaxFileSize caps stored content size in bytes
	MaxFileSize int64
	// Concurrency bounds parallel downloads per message
	Concurrency int
	// RatePerSecond paces downloads, live and backfill alike
	RatePerSecond float64
}

// Service owns the attachment archive.
type Service struct {
	config  Config
	metrics struct {
		saved    prometheus.Counter
		skipped  prometheus.Counter
		failures prometheus.Counter
	}
	logger       *slog.Logger
	db           metadata.MetadataStore
	blobs        blob.BlobStore
	history      HistorySource
	httpClient   *http.Client
	allowed      map[string]bool
	limiter      *rate.Limiter
	backfillBusy atomic.Bool
	searchMutex  sync.Mutex
	searchers    map[string]*rate.Limiter
}

func New(cfg Config) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	exts := cfg.AllowedExtensions
	if exts == nil {
		exts = DefaultExtensions
	}
	s := &Service{
		config:     cfg,
		db:         cfg.DB,
		blobs:      cfg.Blobs,
		history:    cfg.History,
		httpClient: cfg.HTTPClient,
		allowed:    make(map[string]bool, len(exts)),
		limiter: rate.NewLimiter(
			rate.Limit(cfg.RatePerSecond),
			max(int(cfg.RatePerSecond), 1),
		),
		searchers: make(map[string]*rate.Limiter),
	}
	for _, ext := range exts {
		s.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: downloadTimeout}
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "archive")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.saved = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_archive_saved_total",
			Help: "attachments stored in the archive",
		},
	)
	s.metrics.skipped = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_archive_skipped_total",
			Help: "attachments skipped by filters or dedupe",
		},
	)
	s.metrics.failures = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_archive_failures_total",
			Help: "attachment captures that failed",
		},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.MessageEventType,
			s.handleMessageEvent,
		)
	}
	return s
}

func (s *Service) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok || msg.Bot || len(msg.Attachments) == 0 {
		return
	}
	s.ArchiveMessage(context.Background(), msg)
}

// ArchiveMessage stores every eligible attachment on the message and
// returns the number saved. Per-attachment failures are logged and
// counted but do not abort the rest of the message.
func (s *Service) ArchiveMessage(
	ctx context.Context,
	msg gateway.MessageEvent,
) int {
	var saved atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, att := range msg.Attachments {
		if !s.extensionAllowed(att.Filename) {
			s.metrics.skipped.Inc()
			continue
		}
		filename := SanitizeFilename(att.Filename)
		if filename == "" {
			s.metrics.skipped.Inc()
			continue
		}
		if int64(att.Size) > s.config.MaxFileSize {
			s.logger.Warn(
				"skipping oversized attachment",
				"filename", filename,
				"size", att.Size,
			)
			s.metrics.skipped.Inc()
			continue
		}
		key := types.AttachmentBlobKey(
			s.config.GuildID,
			msg.ChannelID,
			msg.MessageID,
			filename,
		)
		url := att.URL
		g.Go(func() error {
			stored, err := s.saveAttachment(
				ctx,
				key,
				filename,
				msg,
				url,
			)
			if err != nil {
				s.metrics.failures.Inc()
				s.logger.Error(
					"failed to archive attachment",
					"filename", filename,
					"message_id", msg.MessageID,
					"error", err,
				)
				return nil
			}
			if stored {
				saved.Add(1)
				s.metrics.saved.Inc()
			} else {
				s.metrics.skipped.Inc()
			}
			return nil
		})
	}
	// Workers report failures through logs and metrics, never an
	// error
	_ = g.Wait()
	return int(saved.Load())
}

func (s *Service) saveAttachment(
	ctx context.Context,
	key string,
	filename string,
	msg gateway.MessageEvent,
	url string,
) (bool, error) {
	var count int64
	result := s.db.DB().
		Model(&models.ArchivedAttachment{}).
		Where("blob_key = ?", key).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("check for existing attachment: %w", result.Error)
	}
	if count > 0 {
		return false, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	content, err := s.download(ctx, url)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			s.logger.Warn(
				"skipping oversized attachment",
				"filename", filename,
			)
			return false, nil
		}
		return false, err
	}
	digest := sha256.Sum256(content)
	if err := s.blobs.Put(ctx, key, content); err != nil {
		return false, fmt.Errorf("store attachment content: %w", err)
	}
	row := models.ArchivedAttachment{
		BlobKey:    key,
		Sha256:     hex.EncodeToString(digest[:]),
		Filename:   filename,
		UploaderID: msg.AuthorID,
		GuildID:    s.config.GuildID,
		ChannelID:  msg.ChannelID,
		MessageID:  msg.MessageID,
		Size:       int64(len(content)),
	}
	if err := s.db.DB().Create(&row).Error; err != nil {
		return false, fmt.Errorf("record attachment metadata: %w", err)
	}
	return true, nil
}

func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"download returned status %d",
			resp.StatusCode,
		)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment content: %w", err)
	}
	if int64(len(body)) > s.config.MaxFileSize {
		return nil, errTooLarge
	}
	return body, nil
}

func (s *Service) extensionAllowed(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	return s.allowed[ext]
}

// BackfillResult summarizes one channel backfill.
type BackfillResult struct {
	// Messages is the number of attachment-bearing messages visited
	Messages int
	// Saved is the number of attachments newly stored
	Saved int
}

// Backfill walks the channel's full history newest-first and archives
// every eligible attachment it finds. Only one backfill runs at a
// time; already-archived attachments are skipped, so re-running after
// an interruption resumes cheaply.
func (s *Service) Backfill(
	ctx context.Context,
	channelID string,
) (BackfillResult, error) {
	var res BackfillResult
	if s.history == nil {
		return res, errors.New("no history source configured")
	}
	if !s.backfillBusy.CompareAndSwap(false, true) {
		return res, ErrBackfillRunning
	}
	defer s.backfillBusy.Store(false)
	beforeID := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		msgs, err := s.history.ChannelMessageHistory(
			ctx,
			channelID,
			beforeID,
			historyPageSize,
		)
		if err != nil {
			return res, fmt.Errorf("page channel history: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if len(msg.Attachments) == 0 {
				continue
			}
			res.Messages++
			res.Saved += s.ArchiveMessage(ctx, historyMessageEvent(channelID, msg))
		}
		beforeID = msgs[len(msgs)-1].ID
		if len(msgs) < historyPageSize {
			break
		}
	}
	s.logger.Info(
		"channel backfill finished",
		"channel_id", channelID,
		"messages", res.Messages,
		"saved", res.Saved,
	)
	return res, nil
}

func historyMessageEvent(
	channelID string,
	msg *discordgo.Message,
) gateway.MessageEvent {
	evt := gateway.MessageEvent{
		MessageID: msg.ID,
		ChannelID: channelID,
		GuildID:   msg.GuildID,
	}
	if msg.Author != nil {
		evt.AuthorID = msg.Author.ID
		evt.Bot = msg.Author.Bot
	}
	for _, att := range msg.Attachments {
		evt.Attachments = append(evt.Attachments, gateway.Attachment{
			ID:       att.ID,
			Filename: att.Filename,
			URL:      att.URL,
			Size:     att.Size,
		})
	}
	return evt
}

// Search returns archived attachments whose filename contains the
// keyword, newest first. Each user gets a limited number of searches
// per hour.
func (s *Service) Search(
	userID string,
	keyword string,
	limit int,
) ([]models.ArchivedAttachment, error) {
	if !s.searchLimiter(userID).Allow() {
		return nil, ErrSearchCooldown
	}
	if limit <= 0 {
		limit = 10
	}
	var rows []models.ArchivedAttachment
	result := s.db.DB().
		Where("filename LIKE ?", "%"+keyword+"%").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("search archive: %w", result.Error)
	}
	return rows, nil
}

func (s *Service) searchLimiter(userID string) *rate.Limiter {
	s.searchMutex.Lock()
	defer s.searchMutex.Unlock()
	lim, ok := s.searchers[userID]
	if !ok {
		lim = rate.NewLimiter(
			rate.Every(searchWindow/searchBurst),
			searchBurst,
		)
		s.searchers[userID] = lim
	}
	return lim
}

// Stats summarizes the archive's contents.
type Stats struct {
	Files     int64
	Bytes     int64
	Channels  int64
	Uploaders int64
}

func (s *Service) Stats() (Stats, error) {
	var stats Stats
	result := s.db.DB().
		Model(&models.ArchivedAttachment{}).
		Select(
			"COUNT(*) AS files, " +
				"COALESCE(SUM(size), 0) AS bytes, " +
				"COUNT(DISTINCT channel_id) AS channels, " +
				"COUNT(DISTINCT uploader_id) AS uploaders",
		).
		Scan(&stats)
	if result.Error != nil {
		return stats, fmt.Errorf("summarize archive: %w", result.Error)
	}
	return stats, nil
}

// ChannelCount is the number of archived files captured from one
// channel.
type ChannelCount struct {
	ChannelID string
	Count     int
}

// ChannelCounts returns per-channel file counts, largest first. The
// shop seeds its catalog from these.
func (s *Service) ChannelCounts() ([]ChannelCount, error) {
	var rows []ChannelCount
	result := s.db.DB().
		Model(&models.ArchivedAttachment{}).
		Select("channel_id, COUNT(*) AS count").
		Group("channel_id").
		Order("count DESC").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("count archive channels: %w", result.Error)
	}
	return rows, nil
}
