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

package database_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/database"
	"github.com/wardenlabs/warden/database/models"
	"github.com/wardenlabs/warden/database/types"
	"gorm.io/gorm"
)

type TestTable struct {
	gorm.Model
}

var dbConfig = &database.Config{
	Logger:       nil,
	PromRegistry: nil,
	DataDir:      "",
}

// TestInMemorySqliteMultipleTransaction tests that our sqlite connection allows multiple
// concurrent transactions when using in-memory mode. This requires special URI flags, and
// this is mostly making sure that we don't lose them
func TestInMemorySqliteMultipleTransaction(t *testing.T) {
	var db *database.Database
	doQuery := func(sleep time.Duration) error {
		txn := db.Metadata().Transaction()
		if result := txn.First(&TestTable{}); result.Error != nil {
			return result.Error
		}
		time.Sleep(sleep)
		if result := txn.Commit(); result.Error != nil {
			return result.Error
		}
		return nil
	}
	db, err := database.New(dbConfig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer db.Close()
	if err := db.Metadata().DB().AutoMigrate(&TestTable{}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if result := db.Metadata().DB().Create(&TestTable{}); result.Error != nil {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	// The linter calls us on the lack of error checking, but it's a goroutine...
	//nolint:errcheck
	go doQuery(2 * time.Second)
	time.Sleep(500 * time.Millisecond)
	if err := doQuery(0); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestDatabaseComposition(t *testing.T) {
	db, err := database.New(dbConfig)
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, db.Metadata())
	require.NotNil(t, db.Blob())

	// Metadata plane round trip
	balance := models.Balance{
		UserID:  "123456789",
		GuildID: "987654321",
		Amount:  250,
	}
	result := db.Metadata().Create(&balance)
	require.NoError(t, result.Error)

	var fetched models.Balance
	result = db.Metadata().
		Where("user_id = ?", "123456789").
		First(&fetched)
	require.NoError(t, result.Error)
	assert.Equal(t, int64(250), fetched.Amount)

	// Blob plane round trip
	ctx := t.Context()
	key := types.AttachmentBlobKey("987654321", "111", "222", "readme.md")
	require.NoError(t, db.Blob().Put(ctx, key, []byte("contents")))
	value, err := db.Blob().Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), value)
}

func TestFileBackedDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := database.New(&database.Config{
		DataDir: tmpDir,
	})
	require.NoError(t, err)

	// Both stores share the data dir
	_, err = os.Stat(filepath.Join(tmpDir, "metadata.sqlite"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(tmpDir, "blob"))
	require.NoError(t, err)

	require.NoError(t, db.Close())
}

func TestDatabaseNilConfig(t *testing.T) {
	db, err := database.New(nil)
	require.NoError(t, err)
	require.NotNil(t, db)
	require.NoError(t, db.Close())
}
