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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	// The default logger must be usable without nil guards
	assert.NotNil(t, cfg.logger)
	assert.Empty(t, cfg.token)
	assert.Empty(t, cfg.guildID)
}

func TestWithRoleNames(t *testing.T) {
	cfg := NewConfig(
		WithRoleNames("Probie", "Verified", "Boss", "Sheriff"),
	)
	assert.Equal(t, "Probie", cfg.mustVerifyRoleName)
	assert.Equal(t, "Verified", cfg.memberRoleName)
	assert.Equal(t, "Boss", cfg.adminRoleName)
	assert.Equal(t, "Sheriff", cfg.moderatorRoleName)
}

func TestWithEnforcementWindows(t *testing.T) {
	cfg := NewConfig(
		WithVerificationWindow(48*time.Hour),
		WithPostActivityWindow(12*time.Hour),
	)
	assert.Equal(t, 48*time.Hour, cfg.verificationWindow)
	assert.Equal(t, 12*time.Hour, cfg.postActivityWindow)
}

func TestWithEconomyRewards(t *testing.T) {
	cfg := NewConfig(WithEconomyRewards(7, 21))
	assert.Equal(t, int64(7), cfg.attachmentReward)
	assert.Equal(t, int64(21), cfg.dailyReward)
}

func TestWithQuotaReset(t *testing.T) {
	cfg := NewConfig(WithQuotaReset(time.Sunday, 8, 15))
	assert.Equal(t, time.Sunday, cfg.quotaResetWeekday)
	assert.Equal(t, 8, cfg.quotaResetHour)
	assert.Equal(t, 15, cfg.quotaResetMinute)
}

func TestWithBackup(t *testing.T) {
	cfg := NewConfig(
		WithBackup(true, 6*time.Hour, "/var/backups/warden"),
	)
	assert.True(t, cfg.backupEnabled)
	assert.Equal(t, 6*time.Hour, cfg.backupInterval)
	assert.Equal(t, "/var/backups/warden", cfg.backupDir)
}

func TestPopulateDefaults(t *testing.T) {
	b := &Bot{config: NewConfig()}
	b.populateDefaults()
	assert.Equal(t, "MustVerify", b.config.mustVerifyRoleName)
	assert.Equal(t, "Member", b.config.memberRoleName)
	assert.Equal(t, "Admin", b.config.adminRoleName)
	assert.Equal(t, "Moderator", b.config.moderatorRoleName)
	assert.Equal(t, 24*time.Hour, b.config.verificationWindow)
	assert.Equal(t, 24*time.Hour, b.config.postActivityWindow)
	assert.Equal(t, 30*time.Second, b.config.shutdownTimeout)
}

func TestPopulateDefaultsKeepsOverrides(t *testing.T) {
	b := &Bot{config: NewConfig(
		WithRoleNames("Probie", "Verified", "Boss", "Sheriff"),
		WithVerificationWindow(time.Hour),
	)}
	b.populateDefaults()
	assert.Equal(t, "Probie", b.config.mustVerifyRoleName)
	assert.Equal(t, time.Hour, b.config.verificationWindow)
	// Unset values still pick up defaults
	assert.Equal(t, 24*time.Hour, b.config.postActivityWindow)
}

func TestConfigValidate(t *testing.T) {
	b := &Bot{config: NewConfig()}
	assert.Error(t, b.configValidate())

	b = &Bot{config: NewConfig(WithDiscordToken("tok"))}
	assert.Error(t, b.configValidate())

	b = &Bot{config: NewConfig(
		WithDiscordToken("tok"),
		WithGuildID("200000000000000001"),
	)}
	assert.NoError(t, b.configValidate())
}
