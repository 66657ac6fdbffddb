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

// Package verify implements the member verification lifecycle: the
// ledger of pending and recently-verified users, the state machine
// driving role changes and kicks, and the periodic enforcement
// sweeps.
package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
	// Embed tzdata so the Eastern snapshot timestamps work in
	// containers without a system zoneinfo database
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// easternTime is the timezone every snapshot timestamp is rendered
// in.
var easternTime = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load timezone %s: %v", name, err))
	}
	return loc
}

// State is a user's position in the verification lifecycle. Users
// tracked in neither ledger set are Verified-Stable, the absorbing
// state.
type State int

const (
	StateUnverified State = iota
	StateVerifiedProbation
	StateVerifiedStable
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "Unverified"
	case StateVerifiedProbation:
		return "Verified-Probation"
	case StateVerifiedStable:
		return "Verified-Stable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Entry is one tracked user together with the timestamp that entered
// them into their set. Sweeps use the timestamp as a witness for
// conditional removal.
type Entry struct {
	Timestamp time.Time
	UserID    string
}

type LedgerConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	// Path of the JSON snapshot file
	Path string
}

// Ledger is the authoritative record of pending and recently-verified
// users. Every exported operation is atomic under one mutex, which is
// what keeps the disjointness invariant (a user appears in at most
// one set) true under concurrent handler dispatch.
type Ledger struct {
	config LedgerConfig
	logger *slog.Logger

	mutex        sync.Mutex
	pending      map[string]time.Time
	recent       map[string]time.Time
	pendingOrder []string
	recentOrder  []string
}

func NewLedger(cfg LedgerConfig) *Ledger {
	l := &Ledger{
		config:  cfg,
		pending: make(map[string]time.Time),
		recent:  make(map[string]time.Time),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		l.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		l.logger = cfg.Logger.With("component", "verify")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	promautoFactory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "warden_verify_pending_users",
			Help: "users currently awaiting verification",
		},
		func() float64 {
			pending, _ := l.Len()
			return float64(pending)
		},
	)
	promautoFactory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "warden_verify_probation_users",
			Help: "recently verified users still on probation",
		},
		func() float64 {
			_, recent := l.Len()
			return float64(recent)
		},
	)
	return l
}

// MarkPending records a user as awaiting verification. It is
// idempotent: a user already tracked in either set is left untouched.
// Returns whether a new entry was inserted.
func (l *Ledger) MarkPending(userID string, now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.pending[userID]; ok {
		return false
	}
	if _, ok := l.recent[userID]; ok {
		return false
	}
	l.pending[userID] = now
	l.pendingOrder = append(l.pendingOrder, userID)
	return true
}

// Promote moves a user from pending to recently-verified at the given
// time. Returns whether the user was actually tracked as pending;
// callers treat false as a logical inconsistency worth a warning but
// proceed, since platform role state is the source of truth.
func (l *Ledger) Promote(userID string, now time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	_, wasPending := l.pending[userID]
	if wasPending {
		l.removePendingLocked(userID)
	}
	if _, ok := l.recent[userID]; !ok {
		l.recentOrder = append(l.recentOrder, userID)
	}
	l.recent[userID] = now
	return wasPending
}

// ClearRecent unconditionally removes a user from the
// recently-verified set. Returns whether an entry was removed.
func (l *Ledger) ClearRecent(userID string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.recent[userID]; !ok {
		return false
	}
	l.removeRecentLocked(userID)
	return true
}

// ClearRecentIf removes a user from the recently-verified set only if
// the entry still carries the given timestamp witness. The demotion
// sweep uses this so an activity proof that raced ahead wins.
func (l *Ledger) ClearRecentIf(userID string, witness time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ts, ok := l.recent[userID]
	if !ok || !ts.Equal(witness) {
		return false
	}
	l.removeRecentLocked(userID)
	return true
}

// RemovePendingIf removes a user from the pending set only if the
// entry still carries the given timestamp witness. The kick sweep
// calls this after a successful kick, so a failed kick leaves the
// entry for the next run.
func (l *Ledger) RemovePendingIf(userID string, witness time.Time) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ts, ok := l.pending[userID]
	if !ok || !ts.Equal(witness) {
		return false
	}
	l.removePendingLocked(userID)
	return true
}

func (l *Ledger) removePendingLocked(userID string) {
	delete(l.pending, userID)
	l.pendingOrder = slices.DeleteFunc(
		l.pendingOrder,
		func(id string) bool { return id == userID },
	)
}

func (l *Ledger) removeRecentLocked(userID string) {
	delete(l.recent, userID)
	l.recentOrder = slices.DeleteFunc(
		l.recentOrder,
		func(id string) bool { return id == userID },
	)
}

// SweepPending returns the pending entries whose age at now meets or
// exceeds the window, oldest insertion first. The scan does not
// mutate the ledger: callers remove entries via RemovePendingIf after
// the enforcement action succeeded.
func (l *Ledger) SweepPending(now time.Time, window time.Duration) []Entry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return sweepLocked(l.pending, l.pendingOrder, now, window)
}

// SweepRecent is the recently-verified counterpart of SweepPending.
func (l *Ledger) SweepRecent(now time.Time, window time.Duration) []Entry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return sweepLocked(l.recent, l.recentOrder, now, window)
}

// An entry is expired once its elapsed time reaches the window:
// elapsed >= window, so an entry at exactly now-window is included.
func sweepLocked(
	set map[string]time.Time,
	order []string,
	now time.Time,
	window time.Duration,
) []Entry {
	var expired []Entry
	for _, userID := range order {
		ts, ok := set[userID]
		if !ok {
			continue
		}
		if now.Sub(ts) >= window {
			expired = append(expired, Entry{UserID: userID, Timestamp: ts})
		}
	}
	return expired
}

// State reports a user's lifecycle state and, for tracked users, the
// timestamp of their ledger entry.
func (l *Ledger) State(userID string) (State, time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if ts, ok := l.pending[userID]; ok {
		return StateUnverified, ts
	}
	if ts, ok := l.recent[userID]; ok {
		return StateVerifiedProbation, ts
	}
	return StateVerifiedStable, time.Time{}
}

// Len returns the sizes of the pending and recently-verified sets.
func (l *Ledger) Len() (int, int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.pending), len(l.recent)
}

type snapshotEntry struct {
	UserID    int64  `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

type snapshot struct {
	Pending          []snapshotEntry `json:"pending"`
	RecentlyVerified []snapshotEntry `json:"recently_verified"`
}

// Persist writes the ledger snapshot to the configured path, rendered
// as integer user ids with RFC 3339 Eastern timestamps. The file is
// written to a temp name and renamed so a crash cannot leave a
// partial snapshot.
func (l *Ledger) Persist() error {
	l.mutex.Lock()
	snap := snapshot{
		Pending:          l.encodeLocked(l.pending, l.pendingOrder),
		RecentlyVerified: l.encodeLocked(l.recent, l.recentOrder),
	}
	l.mutex.Unlock()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger snapshot: %w", err)
	}
	dir := filepath.Dir(l.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.config.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (l *Ledger) encodeLocked(
	set map[string]time.Time,
	order []string,
) []snapshotEntry {
	entries := make([]snapshotEntry, 0, len(order))
	for _, userID := range order {
		ts, ok := set[userID]
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			l.logger.Warn(
				"dropping non-numeric user id from snapshot",
				"user_id", userID,
			)
			continue
		}
		entries = append(entries, snapshotEntry{
			UserID:    id,
			Timestamp: ts.In(easternTime).Format(time.RFC3339),
		})
	}
	return entries
}

// Load replaces the ledger contents with the snapshot at the
// configured path. A missing or corrupt snapshot leaves the ledger
// empty and returns an error the caller is expected to log as a
// warning, not treat as fatal.
func (l *Ledger) Load() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.pending = make(map[string]time.Time)
	l.recent = make(map[string]time.Time)
	l.pendingOrder = nil
	l.recentOrder = nil
	data, err := os.ReadFile(l.config.Path)
	if err != nil {
		return fmt.Errorf("read ledger snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode ledger snapshot: %w", err)
	}
	for _, entry := range snap.Pending {
		userID, ts, err := decodeSnapshotEntry(entry)
		if err != nil {
			return fmt.Errorf("decode pending entry: %w", err)
		}
		if _, ok := l.pending[userID]; !ok {
			l.pendingOrder = append(l.pendingOrder, userID)
		}
		l.pending[userID] = ts
	}
	for _, entry := range snap.RecentlyVerified {
		userID, ts, err := decodeSnapshotEntry(entry)
		if err != nil {
			return fmt.Errorf("decode recently-verified entry: %w", err)
		}
		if _, ok := l.pending[userID]; ok {
			// Disjointness holds even against a hand-edited file
			continue
		}
		if _, ok := l.recent[userID]; !ok {
			l.recentOrder = append(l.recentOrder, userID)
		}
		l.recent[userID] = ts
	}
	return nil
}

func decodeSnapshotEntry(entry snapshotEntry) (string, time.Time, error) {
	ts, err := time.Parse(time.RFC3339, entry.Timestamp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf(
			"parse timestamp %q: %w", entry.Timestamp, err,
		)
	}
	return strconv.FormatInt(entry.UserID, 10), ts.In(easternTime), nil
}
