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

import "time"

// Transaction kinds. The daily claim cooldown is derived from the newest
// row with TxnKindDaily for a user, so daily rows double as the claim
// marker and must never be created outside a successful claim.
const (
	TxnKindDaily    = "daily"
	TxnKindTransfer = "transfer"
	TxnKindReward   = "reward"
	TxnKindPurchase = "purchase"
	TxnKindAdmin    = "admin"
)

// CurrencyTransaction is an append-only journal entry for every balance
// change. Amount is signed: positive for credits, negative for debits.
// Reference carries the counterparty user id for transfers and the
// purchase receipt id for shop purchases.
type CurrencyTransaction struct {
	UserID    string `gorm:"size:32;index:idx_txn_user_kind;not null"`
	GuildID   string `gorm:"size:32;index"`
	Kind      string `gorm:"size:16;index:idx_txn_user_kind;not null"`
	Reference string `gorm:"size:64"`
	Note      string `gorm:"size:255"`
	ID        uint   `gorm:"primarykey"`
	Amount    int64  `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (CurrencyTransaction) TableName() string {
	return "currency_transaction"
}
