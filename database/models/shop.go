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

package models

import (
	"errors"
	"time"
)

var (
	ErrShopItemNotFound = errors.New("shop item not found")
	ErrOutOfStock       = errors.New("shop item out of stock")
)

// ShopItem is a purchasable catalog entry. Stock of -1 means unlimited.
type ShopItem struct {
	Name        string `gorm:"size:100;uniqueIndex;not null"`
	Description string `gorm:"size:255"`
	ID          uint   `gorm:"primarykey"`
	Price       int64  `gorm:"not null"`
	Stock       int    `gorm:"not null;default:-1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ShopItem) TableName() string {
	return "shop_item"
}

// Purchase is the receipt for a completed shop purchase. Receipt is a
// UUID generated at purchase time; ItemName and Price are copied from the
// item so receipts survive later catalog edits.
type Purchase struct {
	Receipt   string `gorm:"size:36;uniqueIndex;not null"`
	UserID    string `gorm:"size:32;index;not null"`
	GuildID   string `gorm:"size:32;index"`
	ItemName  string `gorm:"size:100"`
	ID        uint   `gorm:"primarykey"`
	ItemID    uint   `gorm:"index;not null"`
	Price     int64  `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (Purchase) TableName() string {
	return "purchase"
}
