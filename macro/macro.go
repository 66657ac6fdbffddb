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

// Package macro answers chat messages that invoke user-defined text
// macros. The macros live in a JSON file that admins edit through
// slash commands or directly on disk; a filesystem watcher picks up
// outside edits without a restart.
package macro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
)

// Macro invocations start with this prefix, mirroring the slash
// command syntax users already know.
const invokePrefix = "/"

var (
	// ErrNotFound is returned when deleting a macro that does not
	// exist.
	ErrNotFound = errors.New("macro not found")
	// ErrReservedName is returned when a macro would shadow a
	// registered slash command.
	ErrReservedName = errors.New("macro name is reserved")
	// ErrInvalidName is returned for empty names or names containing
	// whitespace, which could never be invoked.
	ErrInvalidName = errors.New("invalid macro name")
)

// ChannelMessenger is the slice of the gateway used to post macro
// replies.
type ChannelMessenger interface {
	ChannelMessage(ctx context.Context, channelID string, content string) error
}

// RoleDirectory answers capability checks for the macro admin
// commands.
type RoleDirectory interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Messenger    ChannelMessenger
	Directory    RoleDirectory
	// Path of the macro JSON file
	Path string
	// ReservedNames lists the slash command names macros may not
	// shadow
	ReservedNames []string
}

// Service holds the in-memory macro registry and keeps it in sync
// with the file on disk.
type Service struct {
	config  Config
	metrics struct {
		replies prometheus.Counter
		reloads prometheus.Counter
	}
	logger    *slog.Logger
	messenger ChannelMessenger
	directory RoleDirectory
	reserved  map[string]bool

	mutex  sync.Mutex
	macros map[string]string

	watcherMutex sync.Mutex
	watcher      *fsnotify.Watcher
	stopped      bool
	watcherWG    sync.WaitGroup
}

func New(cfg Config) *Service {
	s := &Service{
		config:    cfg,
		messenger: cfg.Messenger,
		directory: cfg.Directory,
		reserved:  make(map[string]bool, len(cfg.ReservedNames)),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "macro")
	}
	for _, name := range cfg.ReservedNames {
		s.reserved[strings.ToLower(name)] = true
	}
	// The registry's own command names are never usable as macros
	for _, name := range commandNames {
		s.reserved[name] = true
	}
	s.macros = s.load()
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.replies = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_macro_replies_total",
			Help: "macro replies posted",
		},
	)
	s.metrics.reloads = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_macro_reloads_total",
			Help: "macro file reloads triggered by the watcher",
		},
	)
	promautoFactory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "warden_macro_defined",
			Help: "macros currently defined",
		},
		func() float64 {
			s.mutex.Lock()
			defer s.mutex.Unlock()
			return float64(len(s.macros))
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

// Watch starts the filesystem watcher so edits to the macro file made
// outside the bot take effect immediately. Safe to call more than
// once.
func (s *Service) Watch() error {
	s.watcherMutex.Lock()
	defer s.watcherMutex.Unlock()
	if s.watcher != nil || s.stopped {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create macro watcher: %w", err)
	}
	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("create macro directory: %w", err)
	}
	// Watch the directory, not the file: the atomic rename the saver
	// performs would break a watch on the file itself
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch macro directory: %w", err)
	}
	s.watcher = watcher
	s.watcherWG.Add(1)
	go s.watchLoop(watcher)
	return nil
}

// Stop shuts down the filesystem watcher and waits for its loop to
// exit.
func (s *Service) Stop() {
	s.watcherMutex.Lock()
	s.stopped = true
	watcher := s.watcher
	s.watcher = nil
	s.watcherMutex.Unlock()
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			s.logger.Error("failed to close macro watcher", "error", err)
		}
	}
	s.watcherWG.Wait()
}

func (s *Service) watchLoop(watcher *fsnotify.Watcher) {
	defer s.watcherWG.Done()
	base := filepath.Base(s.config.Path)
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			const ops = fsnotify.Create | fsnotify.Write |
				fsnotify.Rename | fsnotify.Remove
			if evt.Op&ops == 0 {
				continue
			}
			// Our own saves land here too; reloading what was just
			// written is harmless
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("macro watcher error", "error", err)
		}
	}
}

// load reads the macro file into a fresh registry. A missing file is
// an empty registry; so is a corrupt one, so a bad hand edit cannot
// take message handling down.
func (s *Service) load() map[string]string {
	macros := make(map[string]string)
	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(
				"failed to read macro file",
				"path", s.config.Path,
				"error", err,
			)
		}
		return macros
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn(
			"ignoring corrupt macro file",
			"path", s.config.Path,
			"error", err,
		)
		return macros
	}
	// Hand-edited files may carry mixed-case names
	for name, response := range raw {
		macros[strings.ToLower(name)] = response
	}
	return macros
}

func (s *Service) reload() {
	macros := s.load()
	s.mutex.Lock()
	s.macros = macros
	s.mutex.Unlock()
	s.metrics.reloads.Inc()
	s.logger.Info("macro file reloaded", "macros", len(macros))
}

// saveLocked writes the registry to disk. The file is written to a
// temp name and renamed so neither the watcher nor a crash can
// observe a torn file.
func (s *Service) saveLocked() error {
	data, err := json.MarshalIndent(s.macros, "", "  ")
	if err != nil {
		return fmt.Errorf("encode macro file: %w", err)
	}
	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create macro directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".macros-*.json")
	if err != nil {
		return fmt.Errorf("create macro temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write macro file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close macro temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.config.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace macro file: %w", err)
	}
	return nil
}

// Add defines or updates a macro and persists the registry. The name
// is lowercased; names that shadow a registered slash command are
// rejected.
func (s *Service) Add(name, response string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, invokePrefix)
	if name == "" || strings.ContainsFunc(name, unicode.IsSpace) {
		return ErrInvalidName
	}
	if s.reserved[name] {
		return ErrReservedName
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	previous, existed := s.macros[name]
	s.macros[name] = response
	if err := s.saveLocked(); err != nil {
		// Keep memory and disk telling the same story
		if existed {
			s.macros[name] = previous
		} else {
			delete(s.macros, name)
		}
		return err
	}
	return nil
}

// Delete removes a macro and persists the registry.
func (s *Service) Delete(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, invokePrefix)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	response, ok := s.macros[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.macros, name)
	if err := s.saveLocked(); err != nil {
		s.macros[name] = response
		return err
	}
	return nil
}

// Names returns the defined macro names in sorted order.
func (s *Service) Names() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := make([]string, 0, len(s.macros))
	for name := range s.macros {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Match returns the stored response when content invokes a macro: a
// leading "/" followed by a defined name as the first word.
func (s *Service) Match(content string) (string, bool) {
	rest, ok := strings.CutPrefix(content, invokePrefix)
	if !ok {
		return "", false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(fields[0])
	s.mutex.Lock()
	defer s.mutex.Unlock()
	response, ok := s.macros[name]
	return response, ok
}

func (s *Service) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok || msg.Bot {
		return
	}
	response, ok := s.Match(msg.Content)
	if !ok {
		return
	}
	err := s.messenger.ChannelMessage(
		context.Background(),
		msg.ChannelID,
		response,
	)
	if err != nil {
		s.logger.Error(
			"failed to post macro reply",
			"channel_id", msg.ChannelID,
			"error", err,
		)
		return
	}
	s.metrics.replies.Inc()
}
