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

// Package economy implements the virtual-currency ledger: balances,
// transfers, daily claims, attachment rewards, and the admin
// adjustment surface. Every balance change appends a journal row in
// the same transaction.
package economy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/event"
	"github.com/wardenlabs/warden/gateway"
	"github.com/wardenlabs/warden/roles"
	"gorm.io/gorm"
)

const (
	// DefaultAttachmentReward is credited per attachment posted
	DefaultAttachmentReward = 3
	// DefaultDailyAmount is credited per daily claim
	DefaultDailyAmount = 10
	// dailyCooldown is how long after a claim the next one unlocks
	dailyCooldown = 24 * time.Hour
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrSelfTransfer      = errors.New("cannot transfer credits to yourself")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DailyClaimedError reports a daily claim attempted before the
// cooldown expired.
type DailyClaimedError struct {
	NextClaim time.Time
}

func (e *DailyClaimedError) Error() string {
	return fmt.Sprintf(
		"daily reward already claimed, next claim at %s",
		e.NextClaim.Format(time.RFC3339),
	)
}

// CapabilityChecker gates the admin surface.
type CapabilityChecker interface {
	HasCapability(memberRoleIDs []string, capability roles.Capability) bool
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	DB           metadata.MetadataStore
	Directory    CapabilityChecker
	GuildID      string
	// AttachmentReward is the credit granted per attachment posted in
	// a message; zero selects the default, negative disables
	AttachmentReward int64
	// DailyAmount is the credit granted per daily claim
	DailyAmount int64
}

// Service owns the currency ledger tables.
type Service struct {
	config  Config
	metrics struct {
		transactions *prometheus.CounterVec
	}
	logger    *slog.Logger
	db        metadata.MetadataStore
	directory CapabilityChecker
	now       func() time.Time
}

func New(cfg Config) *Service {
	if cfg.AttachmentReward == 0 {
		cfg.AttachmentReward = DefaultAttachmentReward
	}
	if cfg.DailyAmount == 0 {
		cfg.DailyAmount = DefaultDailyAmount
	}
	s := &Service{
		config:    cfg,
		db:        cfg.DB,
		directory: cfg.Directory,
		now:       time.Now,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "economy")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.transactions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_economy_transactions_total",
			Help: "currency journal entries by kind",
		},
		[]string{"kind"},
	)
	if cfg.EventBus != nil {
		cfg.EventBus.SubscribeFunc(
			gateway.MessageEventType,
			s.handleMessageEvent,
		)
	}
	return s
}

func (s *Service) handleMessageEvent(evt event.Event) {
	msg, ok := evt.Data.(gateway.MessageEvent)
	if !ok || msg.Bot || len(msg.Attachments) == 0 {
		return
	}
	reward := int64(len(msg.Attachments)) * s.config.AttachmentReward
	if reward <= 0 {
		return
	}
	if err := s.Reward(msg.AuthorID, reward, "attachment reward"); err != nil {
		s.logger.Error(
			"failed to credit attachment reward",
			"user_id", msg.AuthorID,
			"error", err,
		)
	}
}

// Balance returns a member's current balance. Members without a row
// have a zero balance.
func (s *Service) Balance(userID string) (int64, error) {
	var row models.Balance
	result := s.db.DB().Where("user_id = ?", userID).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("query balance: %w", result.Error)
	}
	return row.Amount, nil
}

// Transfer moves credits between two members: debit, credit, and both
// journal rows commit together or not at all.
func (s *Service) Transfer(
	fromID string,
	toID string,
	amount int64,
	note string,
) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromID == toID {
		return ErrSelfTransfer
	}
	now := s.now()
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var from models.Balance
		if err := tx.Where("user_id = ?", fromID).First(&from).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("query sender balance: %w", err)
		}
		if from.Amount < amount {
			return ErrInsufficientFunds
		}
		if err := tx.Model(&from).
			Update("amount", from.Amount-amount).Error; err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if err := s.creditLocked(tx, toID, amount); err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}
		journal := []models.CurrencyTransaction{
			{
				UserID:    fromID,
				GuildID:   s.config.GuildID,
				Kind:      models.TxnKindTransfer,
				Amount:    -amount,
				Reference: toID,
				Note:      note,
				CreatedAt: now,
			},
			{
				UserID:    toID,
				GuildID:   s.config.GuildID,
				Kind:      models.TxnKindTransfer,
				Amount:    amount,
				Reference: fromID,
				Note:      note,
				CreatedAt: now,
			},
		}
		if err := tx.Create(&journal).Error; err != nil {
			return fmt.Errorf("journal transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.transactions.WithLabelValues(models.TxnKindTransfer).Inc()
	s.logger.Info(
		"credits transferred",
		"from", fromID,
		"to", toID,
		"amount", amount,
	)
	return nil
}

// Daily credits the daily reward. The cooldown is derived from the
// newest daily journal row, so the claim marker and the credit commit
// atomically. Returns the amount credited.
func (s *Service) Daily(userID string) (int64, error) {
	amount := s.config.DailyAmount
	now := s.now()
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var last models.CurrencyTransaction
		err := tx.Where(
			"user_id = ? AND kind = ?", userID, models.TxnKindDaily,
		).Order("created_at DESC").First(&last).Error
		if err == nil {
			next := last.CreatedAt.Add(dailyCooldown)
			if now.Before(next) {
				return &DailyClaimedError{NextClaim: next}
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("query last daily claim: %w", err)
		}
		if err := s.creditLocked(tx, userID, amount); err != nil {
			return fmt.Errorf("credit daily reward: %w", err)
		}
		row := models.CurrencyTransaction{
			UserID:    userID,
			GuildID:   s.config.GuildID,
			Kind:      models.TxnKindDaily,
			Amount:    amount,
			Note:      "daily reward",
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("journal daily claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.transactions.WithLabelValues(models.TxnKindDaily).Inc()
	s.logger.Info("daily reward claimed", "user_id", userID)
	return amount, nil
}

// Reward credits a member without a sender, journaled as a reward.
func (s *Service) Reward(userID string, amount int64, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := s.creditLocked(tx, userID, amount); err != nil {
			return fmt.Errorf("credit reward: %w", err)
		}
		row := models.CurrencyTransaction{
			UserID:    userID,
			GuildID:   s.config.GuildID,
			Kind:      models.TxnKindReward,
			Amount:    amount,
			Note:      note,
			CreatedAt: s.now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("journal reward: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.transactions.WithLabelValues(models.TxnKindReward).Inc()
	return nil
}

// Adjust applies a signed admin credit or debit and returns the new
// balance. Debits that would take the balance negative are rejected.
func (s *Service) Adjust(
	targetID string,
	amount int64,
	note string,
) (int64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	var newBalance int64
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var row models.Balance
		err := tx.Where("user_id = ?", targetID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.Balance{
				UserID:  targetID,
				GuildID: s.config.GuildID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create balance: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		if row.Amount+amount < 0 {
			return ErrInsufficientFunds
		}
		newBalance = row.Amount + amount
		if err := tx.Model(&row).Update("amount", newBalance).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		journal := models.CurrencyTransaction{
			UserID:    targetID,
			GuildID:   s.config.GuildID,
			Kind:      models.TxnKindAdmin,
			Amount:    amount,
			Note:      note,
			CreatedAt: s.now(),
		}
		if err := tx.Create(&journal).Error; err != nil {
			return fmt.Errorf("journal adjustment: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.transactions.WithLabelValues(models.TxnKindAdmin).Inc()
	s.logger.Info(
		"balance adjusted",
		"user_id", targetID,
		"amount", amount,
	)
	return newBalance, nil
}

// Spend debits a member inside the given transaction, journaled under
// the given kind and reference. The shop uses this so a purchase and
// its receipt commit together.
func (s *Service) Spend(
	tx *gorm.DB,
	userID string,
	amount int64,
	kind string,
	reference string,
	note string,
) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	var row models.Balance
	if err := tx.Where("user_id = ?", userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("query balance: %w", err)
	}
	if row.Amount < amount {
		return ErrInsufficientFunds
	}
	if err := tx.Model(&row).Update("amount", row.Amount-amount).Error; err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	journal := models.CurrencyTransaction{
		UserID:    userID,
		GuildID:   s.config.GuildID,
		Kind:      kind,
		Amount:    -amount,
		Reference: reference,
		Note:      note,
		CreatedAt: s.now(),
	}
	if err := tx.Create(&journal).Error; err != nil {
		return fmt.Errorf("journal debit: %w", err)
	}
	s.metrics.transactions.WithLabelValues(kind).Inc()
	return nil
}

// DB exposes the metadata store for sibling services that join their
// rows into one transaction with a balance change.
func (s *Service) DB() metadata.MetadataStore {
	return s.db
}

// History returns a member's most recent journal entries, newest
// first.
func (s *Service) History(
	userID string,
	limit int,
) ([]models.CurrencyTransaction, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []models.CurrencyTransaction
	result := s.db.DB().
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("query history: %w", result.Error)
	}
	return rows, nil
}

// Leaderboard returns the top balances, highest first.
func (s *Service) Leaderboard(limit int) ([]models.Balance, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []models.Balance
	result := s.db.DB().
		Order("amount DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("query leaderboard: %w", result.Error)
	}
	return rows, nil
}

func (s *Service) creditLocked(
	tx *gorm.DB,
	userID string,
	amount int64,
) error {
	var row models.Balance
	err := tx.Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.Balance{
			UserID:  userID,
			GuildID: s.config.GuildID,
			Amount:  amount,
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&row).Update("amount", row.Amount+amount).Error
}
