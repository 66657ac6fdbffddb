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

package plugin

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcessConfig applies plugin options from a parsed config file section.
// The outer map is keyed by plugin type name ("blob", "metadata"), the
// middle map by plugin name, and the inner map by option name. Unknown
// plugin types and plugins are errors; unknown options for a known plugin
// are ignored by SetPluginOption.
func ProcessConfig(
	pluginConfig map[string]map[string]map[string]any,
) error {
	for typeName, plugins := range pluginConfig {
		var pluginType PluginType
		switch typeName {
		case "blob":
			pluginType = PluginTypeBlob
		case "metadata":
			pluginType = PluginTypeMetadata
		default:
			return fmt.Errorf("unknown plugin type in config: %s", typeName)
		}
		for pluginName, options := range plugins {
			for optionName, value := range options {
				if err := SetPluginOption(pluginType, pluginName, optionName, value); err != nil {
					return fmt.Errorf(
						"config section %s.%s: %w",
						typeName,
						pluginName,
						err,
					)
				}
			}
		}
	}
	return nil
}

// pluginOptionEnvVar builds the environment variable name for a plugin
// option: WARDEN_<TYPE>_<PLUGIN>_<OPTION>, with dashes mapped to
// underscores (e.g. WARDEN_BLOB_BADGER_DATA_DIR).
func pluginOptionEnvVar(entry *PluginEntry, opt *PluginOption) string {
	return strings.ToUpper(
		strings.ReplaceAll(
			fmt.Sprintf(
				"warden_%s_%s_%s",
				PluginTypeName(entry.Type),
				entry.Name,
				opt.Name,
			),
			"-",
			"_",
		),
	)
}

// ProcessEnvVars applies plugin options from environment variables of the
// form WARDEN_<TYPE>_<PLUGIN>_<OPTION>. Values are parsed according to the
// option's declared type.
func ProcessEnvVars() error {
	for i := range pluginEntries {
		entry := &pluginEntries[i]
		for j := range entry.Options {
			opt := &entry.Options[j]
			envVar := pluginOptionEnvVar(entry, opt)
			envValue, ok := os.LookupEnv(envVar)
			if !ok {
				continue
			}
			var value any
			switch opt.Type {
			case PluginOptionTypeString:
				value = envValue
			case PluginOptionTypeBool:
				v, err := strconv.ParseBool(envValue)
				if err != nil {
					return fmt.Errorf(
						"invalid value for %s: %w",
						envVar,
						err,
					)
				}
				value = v
			case PluginOptionTypeInt:
				v, err := strconv.Atoi(envValue)
				if err != nil {
					return fmt.Errorf(
						"invalid value for %s: %w",
						envVar,
						err,
					)
				}
				value = v
			case PluginOptionTypeUint:
				v, err := strconv.ParseUint(envValue, 10, 64)
				if err != nil {
					return fmt.Errorf(
						"invalid value for %s: %w",
						envVar,
						err,
					)
				}
				value = v
			default:
				return fmt.Errorf(
					"unknown plugin option type %d for %s",
					opt.Type,
					envVar,
				)
			}
			if err := SetPluginOption(entry.Type, entry.Name, opt.Name, value); err != nil {
				return fmt.Errorf("env var %s: %w", envVar, err)
			}
		}
	}
	return nil
}
