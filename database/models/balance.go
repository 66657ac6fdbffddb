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

var ErrBalanceNotFound = errors.New("balance not found")

// Balance is the current credit balance for a single guild member. One row
// per user; the amount is only ever changed together with an appended
// CurrencyTransaction row inside the same transaction.
type Balance struct {
	UserID    string `gorm:"size:32;uniqueIndex;not null"`
	GuildID   string `gorm:"size:32;index"`
	ID        uint   `gorm:"primarykey"`
	Amount    int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Balance) TableName() string {
	return "balance"
}
