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

// Package metadata provides the relational storage plane. Feature
// packages run their queries through the store's gorm handle; the store
// owns schema migration and background maintenance.
package metadata

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wardenlabs/warden/database/plugin/metadata/sqlite"
	"gorm.io/gorm"
)

type MetadataStore interface {
	// Database
	AutoMigrate(...any) error
	Close() error
	DB() *gorm.DB
	Transaction() *gorm.DB

	// Query helpers
	Create(any) *gorm.DB
	First(any) *gorm.DB
	Order(any) *gorm.DB
	Where(any, ...any) *gorm.DB
}

// New returns the named metadata plugin. For now, this always returns a
// sqlite plugin.
func New(
	pluginName, dataDir string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (MetadataStore, error) {
	return sqlite.New(dataDir, logger, promRegistry)
}
