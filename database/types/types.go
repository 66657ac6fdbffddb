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

// Package types holds the shared blob store errors and key builders used
// by both the storage backends and their consumers.
package types

import "errors"

var (
	// ErrBlobKeyNotFound is returned when a requested key does not exist
	// in the blob store
	ErrBlobKeyNotFound = errors.New("blob key not found")

	// ErrBlobStoreUnavailable is returned when the blob store backend has
	// not been started or has been closed
	ErrBlobStoreUnavailable = errors.New("blob store unavailable")
)
