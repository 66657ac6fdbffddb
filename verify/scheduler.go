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

package verify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
)

const (
	// DefaultVerificationInterval is how often the verification timeout
	// sweep runs
	DefaultVerificationInterval = 24 * time.Hour
	// DefaultActivityInterval is how often the activity timeout sweep runs
	DefaultActivityInterval = time.Hour
)

// SchedulerConfig stores the configuration for the enforcement scheduler
type SchedulerConfig struct {
	Logger               *slog.Logger
	EventBus             *event.EventBus
	Engine               *Engine
	Ledger               *Ledger
	VerificationInterval time.Duration
	ActivityInterval     time.Duration
}

// Scheduler drives the periodic timeout sweeps. Sweeps are armed when
// the gateway session first identifies and re-armed after each run.
// Each sweep kind runs at most one instance at a time; a tick that
// arrives while the previous run is still in flight is skipped and the
// timer re-armed.
type Scheduler struct {
	config            SchedulerConfig
	logger            *slog.Logger
	engine            *Engine
	ledger            *Ledger
	ctx               context.Context
	cancel            context.CancelFunc
	startOnce         sync.Once
	timerMutex        sync.Mutex
	timerVerification *time.Timer
	timerActivity     *time.Timer
	stopped           bool
	verificationBusy  atomic.Bool
	activityBusy      atomic.Bool
	sweepWG           sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the provided configuration
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.VerificationInterval <= 0 {
		cfg.VerificationInterval = DefaultVerificationInterval
	}
	if cfg.ActivityInterval <= 0 {
		cfg.ActivityInterval = DefaultActivityInterval
	}
	s := &Scheduler{
		config: cfg,
		logger: cfg.Logger.With("component", "verify"),
		engine: cfg.Engine,
		ledger: cfg.Ledger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if cfg.EventBus != nil {
		// The ready event fires again after reconnects, so Start must
		// tolerate repeat calls
		cfg.EventBus.SubscribeFunc(
			gateway.ReadyEventType,
			func(evt event.Event) {
				s.Start()
			},
		)
	}
	return s
}

// Start arms both sweep timers. It is safe to call more than once; only
// the first call has any effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info(
			"enforcement scheduler started",
			"verification_interval", s.config.VerificationInterval.String(),
			"activity_interval", s.config.ActivityInterval.String(),
		)
		s.scheduleVerificationSweep()
		s.scheduleActivitySweep()
	})
}

// Stop cancels the sweep timers and waits for any in-flight sweep to
// finish
func (s *Scheduler) Stop() {
	s.timerMutex.Lock()
	s.stopped = true
	if s.timerVerification != nil {
		s.timerVerification.Stop()
		s.timerVerification = nil
	}
	if s.timerActivity != nil {
		s.timerActivity.Stop()
		s.timerActivity = nil
	}
	s.timerMutex.Unlock()
	s.cancel()
	// Wait for any in-flight sweep operations to complete
	s.sweepWG.Wait()
}

func (s *Scheduler) scheduleVerificationSweep() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.stopped {
		return
	}
	if s.timerVerification != nil {
		s.timerVerification.Stop()
	}
	f := func() {
		// schedule next run
		defer s.scheduleVerificationSweep()
		s.runVerificationSweep()
	}
	s.timerVerification = time.AfterFunc(s.config.VerificationInterval, f)
}

func (s *Scheduler) scheduleActivitySweep() {
	s.timerMutex.Lock()
	defer s.timerMutex.Unlock()
	if s.stopped {
		return
	}
	if s.timerActivity != nil {
		s.timerActivity.Stop()
	}
	f := func() {
		// schedule next run
		defer s.scheduleActivitySweep()
		s.runActivitySweep()
	}
	s.timerActivity = time.AfterFunc(s.config.ActivityInterval, f)
}

func (s *Scheduler) runVerificationSweep() {
	s.timerMutex.Lock()
	if s.stopped {
		s.timerMutex.Unlock()
		return
	}
	// Track this sweep while we know the scheduler is running
	s.sweepWG.Add(1)
	s.timerMutex.Unlock()
	defer s.sweepWG.Done()

	if !s.verificationBusy.CompareAndSwap(false, true) {
		s.logger.Warn(
			"verification sweep still running, skipping this cycle",
		)
		return
	}
	defer s.verificationBusy.Store(false)

	kicked := s.engine.SweepVerification(s.ctx)
	s.persistLedger()
	s.logger.Info(
		"verification sweep finished",
		"kicked", kicked,
	)
}

func (s *Scheduler) runActivitySweep() {
	s.timerMutex.Lock()
	if s.stopped {
		s.timerMutex.Unlock()
		return
	}
	// Track this sweep while we know the scheduler is running
	s.sweepWG.Add(1)
	s.timerMutex.Unlock()
	defer s.sweepWG.Done()

	if !s.activityBusy.CompareAndSwap(false, true) {
		s.logger.Warn(
			"activity sweep still running, skipping this cycle",
		)
		return
	}
	defer s.activityBusy.Store(false)

	demoted := s.engine.SweepActivity(s.ctx)
	s.persistLedger()
	s.logger.Info(
		"activity sweep finished",
		"demoted", demoted,
	)
}

func (s *Scheduler) persistLedger() {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Persist(); err != nil {
		s.logger.Error(
			"failed to persist ledger snapshot",
			"error", err,
		)
	}
}
