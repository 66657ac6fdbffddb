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

// Package shop implements the credit shop: a seedable catalog of
// items, purchases debiting the economy balance, and receipt records.
package shop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/plugin/metadata"
	"github.com/wardenlabs/warden/economy"
	"gorm.io/gorm"
)

// ErrAlreadyOwned rejects a duplicate purchase of the same item by the
// same member.
var ErrAlreadyOwned = errors.New("item already purchased")

// SeedEntry is one candidate catalog item derived from the archive.
type SeedEntry struct {
	Name  string
	Count int
}

// Seeder supplies catalog candidates when the shop is empty.
type Seeder interface {
	CatalogEntries(ctx context.Context) ([]SeedEntry, error)
}

// SeederFunc adapts a function to the Seeder interface.
type SeederFunc func(ctx context.Context) ([]SeedEntry, error)

func (f SeederFunc) CatalogEntries(ctx context.Context) ([]SeedEntry, error) {
	return f(ctx)
}

// Wallet is the slice of the economy service the shop consumes.
type Wallet interface {
	Spend(
		tx *gorm.DB,
		userID string,
		amount int64,
		kind string,
		reference string,
		note string,
	) error
}

// TierPrice maps an archive folder's attachment count to a catalog
// price.
func TierPrice(count int) int64 {
	switch {
	case count < 10:
		return 5
	case count <= 20:
		return 10
	case count <= 50:
		return 20
	default:
		return 50
	}
}

type Config struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	DB           metadata.MetadataStore
	Wallet       Wallet
	Seeder       Seeder
	GuildID      string
}

// Service owns the shop catalog and purchase tables.
type Service struct {
	config  Config
	metrics struct {
		purchases prometheus.Counter
	}
	logger *slog.Logger
	db     metadata.MetadataStore
	wallet Wallet
}

func New(cfg Config) *Service {
	s := &Service{
		config: cfg,
		db:     cfg.DB,
		wallet: cfg.Wallet,
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		s.logger = cfg.Logger.With("component", "shop")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.purchases = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_shop_purchases_total",
			Help: "completed shop purchases",
		},
	)
	return s
}

// Seed populates an empty catalog from the configured seeder using
// tiered pricing. A non-empty catalog is left untouched.
func (s *Service) Seed(ctx context.Context) error {
	var count int64
	if err := s.db.DB().Model(&models.ShopItem{}).
		Count(&count).Error; err != nil {
		return fmt.Errorf("count catalog: %w", err)
	}
	if count > 0 {
		return nil
	}
	if s.config.Seeder == nil {
		return nil
	}
	entries, err := s.config.Seeder.CatalogEntries(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog candidates: %w", err)
	}
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		item := models.ShopItem{
			Name:  entry.Name,
			Price: TierPrice(entry.Count),
			Stock: -1,
			Description: fmt.Sprintf(
				"Archive pack with %d files", entry.Count,
			),
		}
		if err := s.db.DB().Create(&item).Error; err != nil {
			return fmt.Errorf("seed catalog item %q: %w", entry.Name, err)
		}
	}
	s.logger.Info("seeded shop catalog", "items", len(entries))
	return nil
}

// Items returns the catalog ordered by price.
func (s *Service) Items() ([]models.ShopItem, error) {
	var items []models.ShopItem
	result := s.db.DB().Order("price ASC, name ASC").Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("query catalog: %w", result.Error)
	}
	return items, nil
}

// Buy purchases the named item for a member: the balance debit, the
// journal row, and the receipt commit together. A member cannot buy
// the same item twice.
func (s *Service) Buy(
	userID string,
	itemName string,
) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var item models.ShopItem
		err := tx.Where("name = ?", itemName).First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrShopItemNotFound
		}
		if err != nil {
			return fmt.Errorf("query item: %w", err)
		}
		if item.Stock == 0 {
			return models.ErrOutOfStock
		}
		var owned int64
		if err := tx.Model(&models.Purchase{}).
			Where("user_id = ? AND item_id = ?", userID, item.ID).
			Count(&owned).Error; err != nil {
			return fmt.Errorf("check prior purchase: %w", err)
		}
		if owned > 0 {
			return ErrAlreadyOwned
		}
		receipt := uuid.NewString()
		if err := s.wallet.Spend(
			tx,
			userID,
			item.Price,
			models.TxnKindPurchase,
			receipt,
			item.Name,
		); err != nil {
			return err
		}
		purchase = models.Purchase{
			Receipt:  receipt,
			UserID:   userID,
			GuildID:  s.config.GuildID,
			ItemID:   item.ID,
			ItemName: item.Name,
			Price:    item.Price,
		}
		if err := tx.Create(&purchase).Error; err != nil {
			return fmt.Errorf("record purchase: %w", err)
		}
		if item.Stock > 0 {
			if err := tx.Model(&item).
				Update("stock", item.Stock-1).Error; err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.purchases.Inc()
	s.logger.Info(
		"item purchased",
		"user_id", userID,
		"item", itemName,
		"receipt", purchase.Receipt,
	)
	return &purchase, nil
}

// SpenderTotal is one row of the top-spenders report.
type SpenderTotal struct {
	UserID string
	Total  int64
}

// TopSpenders aggregates purchase totals per member, highest first.
func (s *Service) TopSpenders(limit int) ([]SpenderTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []SpenderTotal
	result := s.db.DB().Model(&models.Purchase{}).
		Select("user_id, SUM(price) AS total").
		Group("user_id").
		Order("total DESC").
		Limit(limit).
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("query top spenders: %w", result.Error)
	}
	return rows, nil
}

// RecentPurchases returns the newest receipts.
func (s *Service) RecentPurchases(limit int) ([]models.Purchase, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []models.Purchase
	result := s.db.DB().
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("query recent purchases: %w", result.Error)
	}
	return rows, nil
}

var _ Wallet = (*economy.Service)(nil)
