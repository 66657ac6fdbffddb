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

package badger

import (
	"sync"

	"github.com/wardenlabs/warden/database/plugin"
)

const (
	// DefaultBlockCacheSize is the default size of the block cache in bytes
	DefaultBlockCacheSize uint64 = 805306368 // 768MB

	// DefaultIndexCacheSize is the default size of the index cache in bytes
	DefaultIndexCacheSize uint64 = 268435456 // 256MB

	// DefaultValueLogFileSize is the default max size of a value log file
	DefaultValueLogFileSize int64 = 268435456 // 256MB

	// DefaultMemTableSize is the default size of the in-memory table
	DefaultMemTableSize int64 = 67108864 // 64MB

	// DefaultValueThreshold is the size above which values are stored in the
	// value log instead of the LSM tree
	DefaultValueThreshold int64 = 1048576 // 1MB
)

type cmdlineOptions struct {
	dataDir        string
	blockCacheSize uint64
	indexCacheSize uint64
	gcEnabled      bool
}

var (
	cmdlineOptionsMutex  sync.RWMutex
	cmdlineOptionsConfig = initCmdlineOptions()
)

func initCmdlineOptions() cmdlineOptions {
	return cmdlineOptions{
		dataDir:        ".warden",
		blockCacheSize: DefaultBlockCacheSize,
		indexCacheSize: DefaultIndexCacheSize,
		gcEnabled:      true,
	}
}

// Register plugin on package load
func init() {
	cmdlineOptionsMutex.RLock()
	defer cmdlineOptionsMutex.RUnlock()
	plugin.Register(
		plugin.PluginEntry{
			Type:              plugin.PluginTypeBlob,
			Name:              "badger",
			Description:       "BadgerDB local key-value store",
			NewFromOptionsFunc: NewFromCmdlineOptions,
			Options: []plugin.PluginOption{
				{
					Name:         "data-dir",
					Type:         plugin.PluginOptionTypeString,
					Description:  "specifies the directory for blob storage",
					DefaultValue: cmdlineOptionsConfig.dataDir,
					Dest:         &(cmdlineOptionsConfig.dataDir),
				},
				{
					Name:         "block-cache-size",
					Type:         plugin.PluginOptionTypeUint,
					Description:  "specifies the block cache size in bytes",
					DefaultValue: cmdlineOptionsConfig.blockCacheSize,
					Dest:         &(cmdlineOptionsConfig.blockCacheSize),
				},
				{
					Name:         "index-cache-size",
					Type:         plugin.PluginOptionTypeUint,
					Description:  "specifies the index cache size in bytes",
					DefaultValue: cmdlineOptionsConfig.indexCacheSize,
					Dest:         &(cmdlineOptionsConfig.indexCacheSize),
				},
				{
					Name:         "gc",
					Type:         plugin.PluginOptionTypeBool,
					Description:  "enables value log garbage collection",
					DefaultValue: cmdlineOptionsConfig.gcEnabled,
					Dest:         &(cmdlineOptionsConfig.gcEnabled),
				},
			},
		},
	)
}

func NewFromCmdlineOptions() plugin.Plugin {
	cmdlineOptionsMutex.RLock()
	defer cmdlineOptionsMutex.RUnlock()
	b, err := New(
		WithDataDir(cmdlineOptionsConfig.dataDir),
		WithBlockCacheSize(cmdlineOptionsConfig.blockCacheSize),
		WithIndexCacheSize(cmdlineOptionsConfig.indexCacheSize),
		WithGc(cmdlineOptionsConfig.gcEnabled),
	)
	if err != nil {
		return plugin.NewErrorPlugin(err)
	}
	return b
}
