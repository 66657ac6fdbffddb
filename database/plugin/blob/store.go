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

// Package blob provides the content storage plane for archived
// attachments. The default backend is a local Badger database; GCS and S3
// backends are selected with "gcs://" and "s3://" storage specs.
package blob

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wardenlabs/warden/database/plugin/blob/aws"
	"github.com/wardenlabs/warden/database/plugin/blob/badger"
	"github.com/wardenlabs/warden/database/plugin/blob/gcs"
)

// BlobStore stores attachment content under slash-separated keys (see
// types.AttachmentBlobKey). Get returns types.ErrBlobKeyNotFound for
// missing keys; Delete of a missing key is not an error.
type BlobStore interface {
	Close() error
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// New returns a started blob store for the given storage spec.
// "gcs://<bucket>" and "s3://<bucket>[/prefix]" select the cloud
// backends; anything else is treated as a local data directory for
// badger, with the empty spec selecting an in-memory store.
func New(
	spec string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (BlobStore, error) {
	switch {
	case strings.HasPrefix(spec, "gcs://"):
		store, err := gcs.New(spec, logger, promRegistry)
		if err != nil {
			return nil, err
		}
		if err := store.Start(); err != nil {
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(spec, "s3://"):
		store, err := aws.New(spec, logger, promRegistry)
		if err != nil {
			return nil, err
		}
		if err := store.Start(); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return badger.New(
			badger.WithDataDir(spec),
			badger.WithLogger(logger),
			badger.WithPromRegistry(promRegistry),
		)
	}
}
