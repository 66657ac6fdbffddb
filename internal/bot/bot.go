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

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wardenlabs/warden"
	"github.com/wardenlabs/warden/internal/config"
)

func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "bot")

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown timeout: %w", err)
		}
	}

	b, err := warden.New(
		warden.NewConfig(
			warden.WithLogger(logger),
			warden.WithDiscordToken(cfg.Token),
			warden.WithGuildID(cfg.GuildID),
			warden.WithDataDir(cfg.DataDir),
			warden.WithBlobSpec(cfg.Archive.DataSpec),
			warden.WithMetadataPlugin(cfg.MetadataPlugin),
			warden.WithRoleNames(
				cfg.MustVerifyRoleName,
				cfg.MemberRoleName,
				cfg.AdminRoleName,
				cfg.ModeratorRoleName,
			),
			warden.WithVerificationWindow(
				time.Duration(cfg.VerificationPeriodHours)*time.Hour,
			),
			warden.WithPostActivityWindow(
				time.Duration(cfg.PostActivityPeriodHours)*time.Hour,
			),
			warden.WithShutdownTimeout(shutdownTimeout),
			// Enable metrics with default prometheus registry
			warden.WithPrometheusRegistry(prometheus.DefaultRegisterer),
			warden.WithTracing(cfg.Tracing.Enabled),
			warden.WithTracingStdout(cfg.Tracing.Stdout),
			warden.WithArchive(cfg.Archive.Enabled),
			warden.WithArchiveExtensions(cfg.Archive.AllowedExtensions),
			warden.WithArchiveLimits(
				cfg.Archive.MaxConcurrent,
				cfg.Archive.RatePerSecond,
				cfg.Archive.MaxFileBytes,
			),
			warden.WithEconomyRewards(
				cfg.Economy.AttachmentReward,
				cfg.Economy.DailyReward,
			),
			warden.WithQuota(cfg.Quota.Enabled, cfg.Quota.WeeklyMinimum),
			warden.WithQuotaReset(
				time.Weekday(cfg.Quota.ResetWeekday),
				cfg.Quota.ResetHour,
				cfg.Quota.ResetMinute,
			),
			warden.WithBackup(
				cfg.Backup.Enabled,
				time.Duration(cfg.Backup.IntervalHours)*time.Hour,
				cfg.Backup.Dir,
			),
			warden.WithBackupAllowPlaintext(cfg.Backup.AllowPlaintext),
			warden.WithProvision(
				cfg.Provision.RosterURL,
				cfg.Provision.RegionCode,
				cfg.Provision.ChannelsPerCategory,
			),
			warden.WithOpsPort(cfg.OpsPort),
			warden.WithOpsTlsCertFilePath(cfg.TlsCertFilePath),
			warden.WithOpsTlsKeyFilePath(cfg.TlsKeyFilePath),
		),
	)
	if err != nil {
		return err
	}

	// Metrics and debug listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component",
		"bot",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "bot",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run bot in goroutine
	errChan := make(chan error, 1)
	go func() {
		err := b.Run()
		select {
		case errChan <- err:
		case <-signalCtx.Done():
		}
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown bot
		if err := b.Stop(); err != nil {
			logger.Error("shutdown errors occurred", "error", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil

	case err := <-errChan:
		if err == nil {
			logger.Info("bot stopped")
			// Graceful cleanup
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				shutdownTimeout,
			)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
			if err := b.Stop(); err != nil {
				logger.Error("shutdown errors occurred", "error", err)
				return err
			}
			return nil
		}
		logger.Error("bot error", "error", err)
		signalCtxStop()

		// Shutdown bot resources
		if stopErr := b.Stop(); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}

		// Cleanup on error
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("metrics server shutdown error", "error", shutdownErr)
		}

		return err
	}
}
