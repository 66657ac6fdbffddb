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

package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/wardenlabs/warden/database/plugin"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "warden.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

const (
	DefaultBlobPlugin     = "badger"
	DefaultMetadataPlugin = "sqlite"
)

type tempConfig struct {
	Config   *yaml.Node                `yaml:"config,omitempty"`
	Database *databaseConfig           `yaml:"database,omitempty"`
	Blob     map[string]map[string]any `yaml:"blob,omitempty"`
	Metadata map[string]map[string]any `yaml:"metadata,omitempty"`
}

type databaseConfig struct {
	Blob     map[string]any `yaml:"blob,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Config carries everything the bot needs at startup. The distilled
// environment names (GUILD_ID, MUST_VERIFY_ROLE_NAME, ...) are honored
// unprefixed via envconfig alternate keys alongside the WARDEN_ prefix.
type Config struct {
	Token              string `yaml:"token"              envconfig:"DISCORD_TOKEN"`
	GuildID            string `yaml:"guildId"            envconfig:"GUILD_ID"`
	MustVerifyRoleName string `yaml:"mustVerifyRoleName" envconfig:"MUST_VERIFY_ROLE_NAME"`
	MemberRoleName     string `yaml:"memberRoleName"     envconfig:"MEMBER_ROLE_NAME"`
	AdminRoleName      string `yaml:"adminRoleName"      envconfig:"ADMIN_ROLE_NAME"`
	ModeratorRoleName  string `yaml:"moderatorRoleName"  envconfig:"MODERATOR_ROLE_NAME"`
	DataDir            string `yaml:"dataDir"                                                    split_words:"true"`
	BindAddr           string `yaml:"bindAddr"                                                   split_words:"true"`
	ShutdownTimeout    string `yaml:"shutdownTimeout"                                            split_words:"true"`
	BlobPlugin         string `yaml:"blobPlugin"         envconfig:"WARDEN_DATABASE_BLOB_PLUGIN"`
	MetadataPlugin     string `yaml:"metadataPlugin"     envconfig:"WARDEN_DATABASE_METADATA_PLUGIN"`
	TlsCertFilePath    string `yaml:"tlsCertFilePath"    envconfig:"TLS_CERT_FILE_PATH"`
	TlsKeyFilePath     string `yaml:"tlsKeyFilePath"     envconfig:"TLS_KEY_FILE_PATH"`

	VerificationPeriodHours uint `yaml:"verificationPeriodHours" envconfig:"VERIFICATION_PERIOD_HOURS"`
	PostActivityPeriodHours uint `yaml:"postActivityPeriodHours" envconfig:"POST_ACTIVITY_PERIOD_HOURS"`
	MetricsPort             uint `yaml:"metricsPort"                                              split_words:"true"`
	OpsPort                 uint `yaml:"opsPort"                                                  split_words:"true"`

	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Economy   EconomyConfig   `yaml:"economy"`
	Quota     QuotaConfig     `yaml:"quota"`
	Backup    BackupConfig    `yaml:"backup"`
	Provision ProvisionConfig `yaml:"provision"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Stdout  bool `yaml:"stdout"`
}

// ArchiveConfig tunes the attachment archive pipeline. DataSpec selects
// the blob backend for attachment content ("gcs://bucket", "s3://bucket",
// or a local directory) and defaults to a directory under DataDir.
type ArchiveConfig struct {
	DataSpec          string   `yaml:"dataSpec"          split_words:"true"`
	AllowedExtensions []string `yaml:"allowedExtensions" split_words:"true"`
	MaxConcurrent     int      `yaml:"maxConcurrent"     split_words:"true"`
	RatePerSecond     int      `yaml:"ratePerSecond"     split_words:"true"`
	MaxFileBytes      int64    `yaml:"maxFileBytes"      split_words:"true"`
	Enabled           bool     `yaml:"enabled"`
}

type EconomyConfig struct {
	AttachmentReward int64 `yaml:"attachmentReward" split_words:"true"`
	DailyReward      int64 `yaml:"dailyReward"      split_words:"true"`
}

// QuotaConfig controls the weekly posting quota. ResetWeekday follows
// time.Weekday numbering (0 = Sunday).
type QuotaConfig struct {
	WeeklyMinimum int  `yaml:"weeklyMinimum" split_words:"true"`
	ResetWeekday  int  `yaml:"resetWeekday"  split_words:"true"`
	ResetHour     int  `yaml:"resetHour"     split_words:"true"`
	ResetMinute   int  `yaml:"resetMinute"   split_words:"true"`
	Enabled       bool `yaml:"enabled"`
}

// BackupConfig controls periodic encrypted guild snapshots. Key material
// comes from the sops environment variables (WARDEN_AGE_RECIPIENTS,
// WARDEN_GCP_KMS_RESOURCE_ID, WARDEN_AWS_KMS_KEY_ARNS), not from this
// file. AllowPlaintext permits unencrypted snapshots when no key is
// configured; the default is to fail closed.
type BackupConfig struct {
	Dir            string `yaml:"dir"`
	IntervalHours  uint   `yaml:"intervalHours"  split_words:"true"`
	AllowPlaintext bool   `yaml:"allowPlaintext" split_words:"true"`
	Enabled        bool   `yaml:"enabled"`
}

type ProvisionConfig struct {
	RosterURL           string `yaml:"rosterUrl"           split_words:"true"`
	RegionCode          string `yaml:"regionCode"          split_words:"true"`
	ChannelsPerCategory int    `yaml:"channelsPerCategory" split_words:"true"`
}

var globalConfig = &Config{
	BindAddr:                "0.0.0.0",
	DataDir:                 ".warden",
	ShutdownTimeout:         DefaultShutdownTimeout,
	BlobPlugin:              DefaultBlobPlugin,
	MetadataPlugin:          DefaultMetadataPlugin,
	MustVerifyRoleName:      "MustVerify",
	MemberRoleName:          "Member",
	AdminRoleName:           "Admin",
	ModeratorRoleName:       "Moderator",
	VerificationPeriodHours: 24,
	PostActivityPeriodHours: 24,
	MetricsPort:             12798,
	OpsPort:                 9090,
	Logging: LoggingConfig{
		Level:  "info",
		Format: "json",
	},
	Archive: ArchiveConfig{
		Enabled: true,
		AllowedExtensions: []string{
			"jpg", "jpeg", "png", "gif", "mp4", "mov", "avi", "txt", "pdf",
		},
		MaxConcurrent: 5,
		RatePerSecond: 5,
		MaxFileBytes:  26214400,
	},
	Economy: EconomyConfig{
		AttachmentReward: 3,
		DailyReward:      10,
	},
	Quota: QuotaConfig{
		Enabled:       true,
		WeeklyMinimum: 5,
		ResetWeekday:  5,
		ResetHour:     23,
		ResetMinute:   30,
	},
	Backup: BackupConfig{
		Enabled:       true,
		IntervalHours: 24,
	},
	Provision: ProvisionConfig{
		RosterURL:           "https://api.census.gov/data/2019/pep/population",
		RegionCode:          "21",
		ChannelsPerCategory: 50,
	},
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.warden/warden.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".warden", "warden.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/warden/warden.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/warden/warden.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		// First unmarshal into temp config to handle plugin sections
		var tempCfg tempConfig
		err = yaml.Unmarshal(buf, &tempCfg)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}

		// If config section exists, use it for main config
		if tempCfg.Config != nil {
			// Decode the node directly so only keys present in the file
			// overlay the existing defaults
			err = tempCfg.Config.Decode(globalConfig)
			if err != nil {
				return nil, fmt.Errorf("error parsing config section: %w", err)
			}
		} else {
			// Otherwise unmarshal the whole file as main config (backward compatibility)
			err = yaml.Unmarshal(buf, globalConfig)
			if err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}

		// Process plugin configurations
		pluginConfig := make(map[string]map[string]map[string]any)
		if tempCfg.Blob != nil {
			pluginConfig["blob"] = tempCfg.Blob
		}
		if tempCfg.Metadata != nil {
			pluginConfig["metadata"] = tempCfg.Metadata
		}
		// Handle database section if present
		if tempCfg.Database != nil {
			if tempCfg.Database.Blob != nil {
				blobConfig, pluginName := extractPluginSection(
					"blob",
					tempCfg.Database.Blob,
				)
				if pluginName != "" {
					globalConfig.BlobPlugin = pluginName
				}
				// Merge with existing blob config instead of overwriting
				if pluginConfig["blob"] == nil {
					pluginConfig["blob"] = blobConfig
				} else {
					maps.Copy(pluginConfig["blob"], blobConfig)
				}
			}
			if tempCfg.Database.Metadata != nil {
				metadataConfig, pluginName := extractPluginSection(
					"metadata",
					tempCfg.Database.Metadata,
				)
				if pluginName != "" {
					globalConfig.MetadataPlugin = pluginName
				}
				// Merge with existing metadata config instead of overwriting
				if pluginConfig["metadata"] == nil {
					pluginConfig["metadata"] = metadataConfig
				} else {
					maps.Copy(pluginConfig["metadata"], metadataConfig)
				}
			}
		}
		if len(pluginConfig) > 0 {
			err = plugin.ProcessConfig(pluginConfig)
			if err != nil {
				return nil, fmt.Errorf(
					"error processing plugin config: %w",
					err,
				)
			}
		}
	}
	// Process environment variables
	err := envconfig.Process("warden", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	// Process plugin environment variables
	err = plugin.ProcessEnvVars()
	if err != nil {
		return nil, fmt.Errorf(
			"error processing plugin environment variables: %w",
			err,
		)
	}

	// A zero enforcement window would expire every tracked member on the
	// first sweep, so reject it up front
	if globalConfig.VerificationPeriodHours == 0 {
		return nil, fmt.Errorf(
			"invalid verificationPeriodHours: must be positive",
		)
	}
	if globalConfig.PostActivityPeriodHours == 0 {
		return nil, fmt.Errorf(
			"invalid postActivityPeriodHours: must be positive",
		)
	}

	return globalConfig, nil
}

// extractPluginSection converts one database config subsection into the
// per-plugin option map consumed by plugin.ProcessConfig. A scalar
// "plugin" entry selects the backend and is returned separately.
func extractPluginSection(
	sectionName string,
	section map[string]any,
) (map[string]map[string]any, string) {
	var pluginName string
	if pluginVal, exists := section["plugin"]; exists {
		if name, ok := pluginVal.(string); ok {
			pluginName = name
			// Remove plugin from config map
			delete(section, "plugin")
		}
	}
	sectionConfig := make(map[string]map[string]any)
	for k, v := range section {
		if val, ok := v.(map[string]any); ok {
			sectionConfig[k] = val
		} else if val, ok := v.(map[any]any); ok {
			// Convert map[any]any to map[string]any
			stringAnyMap := make(map[string]any)
			for vk, vv := range val {
				if keyStr, ok := vk.(string); ok {
					stringAnyMap[keyStr] = vv
				}
			}
			sectionConfig[k] = stringAnyMap
		} else {
			// Log skipped non-map config entries
			fmt.Fprintf(os.Stderr, "warning: skipping %s config entry %q: expected map, got %T\n", sectionName, k, v)
		}
	}
	return sectionConfig, pluginName
}

func GetConfig() *Config {
	return globalConfig
}
