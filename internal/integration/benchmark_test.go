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

package integration_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wardenlabs/warden/database"
	_ "github.com/wardenlabs/warden/database/plugin/blob/aws"
	_ "github.com/wardenlabs/warden/database/plugin/blob/badger"
	_ "github.com/wardenlabs/warden/database/plugin/blob/gcs"
	_ "github.com/wardenlabs/warden/database/plugin/metadata/sqlite"
	"github.com/wardenlabs/warden/database/types"
)

const benchAttachmentSize = 256 * 1024 // 256KB, a typical image upload

// makeAttachmentData generates deterministic pseudo-random attachment
// payloads so compression in the blob store doesn't flatter the numbers
func makeAttachmentData(numAttachments int) [][]byte {
	rng := rand.New(rand.NewSource(42)) // #nosec G404
	attachments := make([][]byte, numAttachments)
	for i := range attachments {
		data := make([]byte, benchAttachmentSize)
		rng.Read(data)
		attachments[i] = data
	}
	return attachments
}

func benchAttachmentKey(i int) string {
	return types.AttachmentBlobKey(
		"200000000000000001",
		"300000000000000001",
		fmt.Sprintf("40000000000000%04d", i),
		"photo.jpg",
	)
}

// getTestBackends returns a slice of test backends for benchmarking
func getTestBackends(b *testing.B, diskDataDir string) []struct {
	name   string
	config *database.Config
} {
	backends := []struct {
		name   string
		config *database.Config
	}{
		{
			name:   "memory",
			config: &database.Config{},
		},
		{
			name: "disk",
			config: &database.Config{
				DataDir: diskDataDir,
			},
		},
	}

	// Add cloud backends if credentials are available
	if hasGCSCredentials() {
		testBucket := os.Getenv("WARDEN_TEST_GCS_BUCKET")
		if testBucket == "" {
			testBucket = "warden-test-bucket"
		}
		// Use path prefix for isolation instead of unique bucket names
		testPrefix := strings.ReplaceAll(b.Name(), "/", "-")
		backends = append(backends, struct {
			name   string
			config *database.Config
		}{
			name: "GCS",
			config: &database.Config{
				BlobSpec: "gcs://" + testBucket + "/" + testPrefix,
			},
		})
	}

	if hasS3Credentials() {
		testBucket := os.Getenv("WARDEN_TEST_S3_BUCKET")
		if testBucket == "" {
			testBucket = "warden-test-bucket"
		}
		// Use path prefix for isolation instead of unique bucket names
		testPrefix := strings.ReplaceAll(b.Name(), "/", "-")
		backends = append(backends, struct {
			name   string
			config *database.Config
		}{
			name: "S3",
			config: &database.Config{
				BlobSpec: "s3://" + testBucket + "/" + testPrefix,
			},
		})
	}

	return backends
}

// BenchmarkStorageBackends benchmarks attachment reads across storage backends
func BenchmarkStorageBackends(b *testing.B) {
	backends := getTestBackends(b, b.TempDir())

	for _, backend := range backends {
		b.Run(backend.name, func(b *testing.B) {
			benchmarkStorageBackend(b, backend.name, backend.config, 10)
		})
	}
}

// BenchmarkArchiveLoad benchmarks reading back a full channel archive
func BenchmarkArchiveLoad(b *testing.B) {
	backends := getTestBackends(b, b.TempDir())

	for _, backend := range backends {
		b.Run(backend.name, func(b *testing.B) {
			benchmarkStorageBackend(b, backend.name, backend.config, 200)
		})
	}
}

func benchmarkStorageBackend(
	b *testing.B,
	backendName string,
	config *database.Config,
	numAttachments int,
) {
	var tempDir string
	var err error
	// Create temporary directory for on-disk local backends
	if config.BlobSpec == "" && config.DataDir != "" {
		tempDir, err = os.MkdirTemp(
			"",
			fmt.Sprintf("warden-bench-%s-", backendName),
		)
		if err != nil {
			b.Fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tempDir)
		config.DataDir = filepath.Join(tempDir, "data")
	}

	// Create database with the specified backend
	db, err := database.New(config)
	if err != nil {
		b.Fatalf(
			"failed to create database with %s backend: %v",
			backendName,
			err,
		)
	}
	defer db.Close()

	ctx := context.Background()

	// Pre-populate with attachment payloads
	attachments := makeAttachmentData(numAttachments)
	for i := range numAttachments {
		if err := db.Blob().Put(
			ctx,
			benchAttachmentKey(i),
			attachments[i],
		); err != nil {
			b.Fatalf("failed to put attachment %d: %v", i, err)
		}
	}

	b.ReportAllocs()

	for b.Loop() {
		for i := range numAttachments {
			_, err := db.Blob().Get(ctx, benchAttachmentKey(i))
			if err != nil {
				b.Fatalf("failed to get attachment %d: %v", i, err)
			}
		}
	}
}
