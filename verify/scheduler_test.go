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
	"os"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
)

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	defer s.Stop()
	assert.Equal(
		t,
		DefaultVerificationInterval,
		s.config.VerificationInterval,
	)
	assert.Equal(t, DefaultActivityInterval, s.config.ActivityInterval)
}

func TestSchedulerRunsBothSweeps(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	now := time.Now()
	// One user overdue for the kick, one overdue for demotion
	ledger.MarkPending("100", now.Add(-25*time.Hour))
	guild.memberRoles["200"] = []string{testMemberRoleID}
	ledger.MarkPending("200", now.Add(-26*time.Hour))
	ledger.Promote("200", now.Add(-25*time.Hour))

	s := NewScheduler(SchedulerConfig{
		Engine:               engine,
		Ledger:               ledger,
		VerificationInterval: 10 * time.Millisecond,
		ActivityInterval:     10 * time.Millisecond,
	})
	defer s.Stop()
	s.Start()

	require.Eventually(t, func() bool {
		guild.mu.Lock()
		kicked := slices.Contains(guild.kicked, "100")
		guild.mu.Unlock()
		demoted := slices.Contains(guild.rolesOf("200"), testMustVerifyRoleID)
		return kicked && demoted
	}, 2*time.Second, 10*time.Millisecond)

	// Each sweep persists the ledger snapshot
	require.Eventually(t, func() bool {
		_, err := os.Stat(ledger.config.Path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStartIdempotent(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	ledger.MarkPending("100", time.Now().Add(-25*time.Hour))

	s := NewScheduler(SchedulerConfig{
		Engine:               engine,
		Ledger:               ledger,
		VerificationInterval: 10 * time.Millisecond,
		ActivityInterval:     time.Hour,
	})
	defer s.Stop()
	s.Start()
	s.Start()

	require.Eventually(t, func() bool {
		guild.mu.Lock()
		defer guild.mu.Unlock()
		return len(guild.kicked) > 0
	}, 2*time.Second, 10*time.Millisecond)
	guild.mu.Lock()
	defer guild.mu.Unlock()
	assert.Equal(t, []string{"100"}, guild.kicked)
}

func TestSchedulerStartsOnReadyEvent(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	ledger.MarkPending("100", time.Now().Add(-25*time.Hour))

	bus := event.NewEventBus(nil, nil)
	defer bus.Stop()
	s := NewScheduler(SchedulerConfig{
		EventBus:             bus,
		Engine:               engine,
		Ledger:               ledger,
		VerificationInterval: 10 * time.Millisecond,
		ActivityInterval:     time.Hour,
	})
	defer s.Stop()

	bus.Publish(
		gateway.ReadyEventType,
		event.NewEvent(
			gateway.ReadyEventType,
			gateway.ReadyEvent{SessionUserID: "1"},
		),
	)
	// A reconnect fires the ready event again; Start must tolerate it
	bus.Publish(
		gateway.ReadyEventType,
		event.NewEvent(
			gateway.ReadyEventType,
			gateway.ReadyEvent{SessionUserID: "1"},
		),
	)

	require.Eventually(t, func() bool {
		guild.mu.Lock()
		defer guild.mu.Unlock()
		return slices.Contains(guild.kicked, "100")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSingleFlight(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	ledger.MarkPending("100", time.Now().Add(-25*time.Hour))
	guild.kickStarted = make(chan string, 10)
	guild.kickRelease = make(chan struct{})

	s := NewScheduler(SchedulerConfig{
		Engine:               engine,
		Ledger:               ledger,
		VerificationInterval: 10 * time.Millisecond,
		ActivityInterval:     time.Hour,
	})
	s.Start()

	// First tick enters the sweep and blocks inside the kick
	select {
	case <-guild.kickStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never started")
	}

	// Later ticks must skip while the first sweep is still in flight
	time.Sleep(100 * time.Millisecond)
	select {
	case <-guild.kickStarted:
		t.Fatal("second sweep ran concurrently")
	default:
	}

	close(guild.kickRelease)
	require.Eventually(t, func() bool {
		guild.mu.Lock()
		defer guild.mu.Unlock()
		return len(guild.kicked) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}

func TestSchedulerStop(t *testing.T) {
	engine, guild, _, ledger := newTestEngine(t)
	ledger.MarkPending("100", time.Now().Add(-25*time.Hour))

	s := NewScheduler(SchedulerConfig{
		Engine:               engine,
		Ledger:               ledger,
		VerificationInterval: time.Hour,
		ActivityInterval:     time.Hour,
	})
	s.Start()
	s.Stop()
	// Stop is safe to call again
	s.Stop()

	guild.mu.Lock()
	defer guild.mu.Unlock()
	assert.Empty(t, guild.kicked)
}
