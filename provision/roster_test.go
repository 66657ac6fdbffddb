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

package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(
	t *testing.T,
	handler http.HandlerFunc,
) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestCounties(t *testing.T) {
	payload := [][]string{
		{"NAME", "state", "county"},
		{"Adair County, Kentucky", "21", "001"},
		{"Allen County, Kentucky", "21", "003"},
		{"Ballard County, Kentucky", "21", "007"},
	}

	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Use t.Errorf (not require) because httptest handlers
		// run in a separate goroutine; require calls t.FailNow
		// which panics from non-test goroutines.
		query := r.URL.Query()
		if query.Get("get") != "NAME" {
			t.Errorf("expected get=NAME, got %s", query.Get("get"))
		}
		if query.Get("for") != "county:*" {
			t.Errorf(
				"expected for=county:*, got %s",
				query.Get("for"),
			)
		}
		if query.Get("in") != "state:21" {
			t.Errorf(
				"expected in=state:21, got %s",
				query.Get("in"),
			)
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf(
				"expected Accept application/json, got %s",
				r.Header.Get("Accept"),
			)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(
				w, err.Error(),
				http.StatusInternalServerError,
			)
		}
	})

	client := NewRosterClient(server.URL)
	counties, err := client.Counties(t.Context(), "21")
	require.NoError(t, err)
	require.Equal(t, []string{"Adair", "Allen", "Ballard"}, counties)
}

func TestCountiesSkipsEmptyRows(t *testing.T) {
	payload := [][]string{
		{"NAME", "state", "county"},
		{},
		{"Adair County, Kentucky", "21", "001"},
		{""},
	}

	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			http.Error(
				w, err.Error(),
				http.StatusInternalServerError,
			)
		}
	})

	client := NewRosterClient(server.URL)
	counties, err := client.Counties(t.Context(), "21")
	require.NoError(t, err)
	require.Equal(t, []string{"Adair"}, counties)
}

func TestCountiesHTTPError(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	client := NewRosterClient(server.URL)
	_, err := client.Counties(t.Context(), "21")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
	require.Contains(t, err.Error(), "internal error")
}

func TestCountiesBadJSON(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte("not json")); err != nil {
			t.Errorf("writing response: %v", err)
		}
	})

	client := NewRosterClient(server.URL)
	_, err := client.Counties(t.Context(), "21")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decoding county roster")
}

func TestCountiesContextCancelled(t *testing.T) {
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte("[]")); err != nil {
			t.Errorf("writing response: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	client := NewRosterClient(server.URL)
	_, err := client.Counties(ctx, "21")
	require.Error(t, err)
}

func TestNewRosterClientDefaults(t *testing.T) {
	client := NewRosterClient("")
	require.Equal(t, DefaultRosterURL, client.baseURL)

	trimmed := NewRosterClient("https://example.com/api/")
	require.Equal(t, "https://example.com/api", trimmed.baseURL)
}

func TestWithHTTPClientOption(t *testing.T) {
	customClient := &http.Client{}
	client := NewRosterClient(
		"https://example.com",
		WithHTTPClient(customClient),
	)
	require.Equal(t, customClient, client.httpClient)
}
