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

package plugin_test

import (
	"strings"
	"testing"

	"github.com/wardenlabs/warden/database/plugin"
)

func TestProcessConfig(t *testing.T) {
	pluginName := "cfg-" + strings.ToLower(t.Name())
	var dataDir string
	var cacheSize uint64
	plugin.Register(plugin.PluginEntry{
		Type: plugin.PluginTypeBlob,
		Name: pluginName,
		Options: []plugin.PluginOption{
			{
				Name: "data-dir",
				Type: plugin.PluginOptionTypeString,
				Dest: &dataDir,
			},
			{
				Name: "cache-size",
				Type: plugin.PluginOptionTypeUint,
				Dest: &cacheSize,
			},
		},
		NewFromOptionsFunc: func() plugin.Plugin { return &mockPlugin{} },
	})

	err := plugin.ProcessConfig(
		map[string]map[string]map[string]any{
			"blob": {
				pluginName: {
					"data-dir":   "/tmp/blob",
					"cache-size": 4096,
					// Unknown options are ignored for forward compatibility
					"no-such-option": true,
				},
			},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dataDir != "/tmp/blob" {
		t.Errorf("expected data-dir /tmp/blob, got %s", dataDir)
	}
	if cacheSize != 4096 {
		t.Errorf("expected cache-size 4096, got %d", cacheSize)
	}
}

func TestProcessConfigUnknownType(t *testing.T) {
	err := plugin.ProcessConfig(
		map[string]map[string]map[string]any{
			"bogus": {},
		},
	)
	if err == nil {
		t.Error("expected error for unknown plugin type, got nil")
	}
}

func TestProcessConfigUnknownPlugin(t *testing.T) {
	err := plugin.ProcessConfig(
		map[string]map[string]map[string]any{
			"blob": {
				"no-such-plugin-" + t.Name(): {
					"data-dir": "/tmp",
				},
			},
		},
	)
	if err == nil {
		t.Error("expected error for unknown plugin, got nil")
	}
}

func TestProcessEnvVars(t *testing.T) {
	pluginName := "env-" + strings.ToLower(t.Name())
	var dataDir string
	var gcEnabled bool
	var cacheSize uint64
	plugin.Register(plugin.PluginEntry{
		Type: plugin.PluginTypeBlob,
		Name: pluginName,
		Options: []plugin.PluginOption{
			{
				Name: "data-dir",
				Type: plugin.PluginOptionTypeString,
				Dest: &dataDir,
			},
			{
				Name: "gc",
				Type: plugin.PluginOptionTypeBool,
				Dest: &gcEnabled,
			},
			{
				Name: "cache-size",
				Type: plugin.PluginOptionTypeUint,
				Dest: &cacheSize,
			},
		},
		NewFromOptionsFunc: func() plugin.Plugin { return &mockPlugin{} },
	})

	envBase := "WARDEN_BLOB_" + strings.ToUpper(
		strings.ReplaceAll(pluginName, "-", "_"),
	)
	t.Setenv(envBase+"_DATA_DIR", "/var/lib/warden")
	t.Setenv(envBase+"_GC", "true")
	t.Setenv(envBase+"_CACHE_SIZE", "1024")

	if err := plugin.ProcessEnvVars(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dataDir != "/var/lib/warden" {
		t.Errorf("expected data-dir /var/lib/warden, got %s", dataDir)
	}
	if !gcEnabled {
		t.Error("expected gc true")
	}
	if cacheSize != 1024 {
		t.Errorf("expected cache-size 1024, got %d", cacheSize)
	}
}

func TestProcessEnvVarsInvalidValue(t *testing.T) {
	pluginName := "envbad-" + strings.ToLower(t.Name())
	var cacheSize uint64
	plugin.Register(plugin.PluginEntry{
		Type: plugin.PluginTypeBlob,
		Name: pluginName,
		Options: []plugin.PluginOption{
			{
				Name: "cache-size",
				Type: plugin.PluginOptionTypeUint,
				Dest: &cacheSize,
			},
		},
		NewFromOptionsFunc: func() plugin.Plugin { return &mockPlugin{} },
	})

	envVar := "WARDEN_BLOB_" + strings.ToUpper(
		strings.ReplaceAll(pluginName, "-", "_"),
	) + "_CACHE_SIZE"
	t.Setenv(envVar, "not-a-number")

	if err := plugin.ProcessEnvVars(); err == nil {
		t.Error("expected error for unparseable value, got nil")
	}
}
