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
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	promRegistry       prometheus.Registerer
	logger             *slog.Logger
	token              string
	guildID            string
	dataDir            string
	blobSpec           string
	metadataPlugin     string
	mustVerifyRoleName string
	memberRoleName     string
	adminRoleName      string
	moderatorRoleName  string
	backupDir          string
	rosterURL          string
	regionCode         string
	tlsCertFilePath    string
	tlsKeyFilePath     string
	allowedExtensions  []string
	verificationWindow time.Duration
	postActivityWindow time.Duration
	shutdownTimeout    time.Duration
	backupInterval     time.Duration
	attachmentReward   int64
	dailyReward        int64
	archiveMaxBytes    int64
	archiveConcurrency int
	archiveRate        int
	quotaMinimum       int
	quotaResetHour     int
	quotaResetMinute   int
	channelsPerGroup   int
	opsPort            uint
	quotaResetWeekday  time.Weekday
	archiveEnabled     bool
	quotaEnabled       bool
	backupEnabled      bool
	backupPlaintext    bool
	tracing            bool
	tracingStdout      bool
}

// ConfigOptionFunc is a type that represents functions that modify the bot config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new warden config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// populateDefaults fills in the parts of the config that have non-zero
// defaults and were not set via options
func (b *Bot) populateDefaults() {
	cfg := &b.config
	if cfg.mustVerifyRoleName == "" {
		cfg.mustVerifyRoleName = "MustVerify"
	}
	if cfg.memberRoleName == "" {
		cfg.memberRoleName = "Member"
	}
	if cfg.adminRoleName == "" {
		cfg.adminRoleName = "Admin"
	}
	if cfg.moderatorRoleName == "" {
		cfg.moderatorRoleName = "Moderator"
	}
	if cfg.verificationWindow == 0 {
		cfg.verificationWindow = 24 * time.Hour
	}
	if cfg.postActivityWindow == 0 {
		cfg.postActivityWindow = 24 * time.Hour
	}
	if cfg.shutdownTimeout == 0 {
		cfg.shutdownTimeout = 30 * time.Second
	}
}

func (b *Bot) configValidate() error {
	if b.config.token == "" {
		return errors.New("no platform token defined")
	}
	if b.config.guildID == "" {
		return errors.New("no guild defined")
	}
	if b.config.verificationWindow < 0 || b.config.postActivityWindow < 0 {
		return errors.New("enforcement windows must be positive")
	}
	return nil
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithDiscordToken specifies the platform token used to open the gateway
// session
func WithDiscordToken(token string) ConfigOptionFunc {
	return func(c *Config) {
		c.token = token
	}
}

// WithGuildID specifies the guild the bot manages. All role, member, and
// channel operations are scoped to this guild
func WithGuildID(guildID string) ConfigOptionFunc {
	return func(c *Config) {
		c.guildID = guildID
	}
}

// WithDataDir specifies the persistent data directory to use. The default is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithBlobSpec specifies where attachment content is stored: a local
// directory, "gcs://bucket", or "s3://bucket". The default is a directory
// under the data dir
func WithBlobSpec(spec string) ConfigOptionFunc {
	return func(c *Config) {
		c.blobSpec = spec
	}
}

// WithMetadataPlugin specifies the metadata storage plugin to use.
func WithMetadataPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = plugin
	}
}

// WithRoleNames specifies the guild role names used for gating and
// privilege checks. Defaults are MustVerify, Member, Admin, and Moderator
func WithRoleNames(
	mustVerify, member, admin, moderator string,
) ConfigOptionFunc {
	return func(c *Config) {
		c.mustVerifyRoleName = mustVerify
		c.memberRoleName = member
		c.adminRoleName = admin
		c.moderatorRoleName = moderator
	}
}

// WithVerificationWindow specifies how long a newly joined member may
// remain unverified before the removal sweep acts on them. The default is
// 24 hours
func WithVerificationWindow(window time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.verificationWindow = window
	}
}

// WithPostActivityWindow specifies how long a freshly verified member may
// remain silent before being demoted back to unverified. The default is
// 24 hours
func WithPostActivityWindow(window time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.postActivityWindow = window
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithArchive enables or disables the attachment archive
func WithArchive(enabled bool) ConfigOptionFunc {
	return func(c *Config) {
		c.archiveEnabled = enabled
	}
}

// WithArchiveExtensions specifies the allowed attachment file extensions
// (lowercase, without dots)
func WithArchiveExtensions(extensions []string) ConfigOptionFunc {
	return func(c *Config) {
		c.allowedExtensions = extensions
	}
}

// WithArchiveLimits specifies the archive download pipeline limits:
// concurrent downloads, downloads per second, and the per-file size cap
// in bytes. Zero values use the package defaults
func WithArchiveLimits(
	maxConcurrent, ratePerSecond int,
	maxFileBytes int64,
) ConfigOptionFunc {
	return func(c *Config) {
		c.archiveConcurrency = maxConcurrent
		c.archiveRate = ratePerSecond
		c.archiveMaxBytes = maxFileBytes
	}
}

// WithEconomyRewards specifies the per-attachment and daily-claim reward
// amounts. Defaults are 3 and 10
func WithEconomyRewards(attachmentReward, dailyReward int64) ConfigOptionFunc {
	return func(c *Config) {
		c.attachmentReward = attachmentReward
		c.dailyReward = dailyReward
	}
}

// WithQuota enables the weekly posting quota and sets the minimum number
// of attachments per week. The default minimum is 5
func WithQuota(enabled bool, weeklyMinimum int) ConfigOptionFunc {
	return func(c *Config) {
		c.quotaEnabled = enabled
		c.quotaMinimum = weeklyMinimum
	}
}

// WithQuotaReset specifies when the weekly quota window resets, in the
// guild's reference timezone. The default is Friday 23:30
func WithQuotaReset(
	weekday time.Weekday,
	hour, minute int,
) ConfigOptionFunc {
	return func(c *Config) {
		c.quotaResetWeekday = weekday
		c.quotaResetHour = hour
		c.quotaResetMinute = minute
	}
}

// WithBackup enables periodic encrypted guild snapshots at the given
// interval, written to dir. An empty dir uses "backups" under the data dir
func WithBackup(
	enabled bool,
	interval time.Duration,
	dir string,
) ConfigOptionFunc {
	return func(c *Config) {
		c.backupEnabled = enabled
		c.backupInterval = interval
		c.backupDir = dir
	}
}

// WithBackupAllowPlaintext permits unencrypted snapshots when no sops key
// is configured. The default is to fail closed
func WithBackupAllowPlaintext(allow bool) ConfigOptionFunc {
	return func(c *Config) {
		c.backupPlaintext = allow
	}
}

// WithProvision specifies the roster source and layout limits for guild
// provisioning
func WithProvision(
	rosterURL, regionCode string,
	channelsPerCategory int,
) ConfigOptionFunc {
	return func(c *Config) {
		c.rosterURL = rosterURL
		c.regionCode = regionCode
		c.channelsPerGroup = channelsPerCategory
	}
}

// WithOpsPort specifies the port for the gRPC health listener. Zero
// binds an ephemeral port
func WithOpsPort(port uint) ConfigOptionFunc {
	return func(c *Config) {
		c.opsPort = port
	}
}

// WithOpsTlsCertFilePath specifies the TLS certificate file path for the gRPC health listener
func WithOpsTlsCertFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsCertFilePath = path
	}
}

// WithOpsTlsKeyFilePath specifies the TLS key file path for the gRPC health listener
func WithOpsTlsKeyFilePath(path string) ConfigOptionFunc {
	return func(c *Config) {
		c.tlsKeyFilePath = path
	}
}
