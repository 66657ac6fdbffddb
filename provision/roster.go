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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultRosterURL is the census population endpoint the county
	// roster is read from.
	DefaultRosterURL = "https://api.census.gov/data/2019/pep/population"
	// DefaultRegionCode is the census FIPS code provisioned when no
	// region is configured.
	DefaultRegionCode = "21"

	// A full county roster is a few KiB; anything near this limit is
	// not the census API
	maxRosterBytes = 1 << 20
)

// stateFIPS maps US state names to their census FIPS codes.
var stateFIPS = map[string]string{
	"Alabama": "01", "Alaska": "02", "Arizona": "04", "Arkansas": "05",
	"California": "06", "Colorado": "08", "Connecticut": "09",
	"Delaware": "10", "Florida": "12", "Georgia": "13", "Hawaii": "15",
	"Idaho": "16", "Illinois": "17", "Indiana": "18", "Iowa": "19",
	"Kansas": "20", "Kentucky": "21", "Louisiana": "22", "Maine": "23",
	"Maryland": "24", "Massachusetts": "25", "Michigan": "26",
	"Minnesota": "27", "Mississippi": "28", "Missouri": "29",
	"Montana": "30", "Nebraska": "31", "Nevada": "32",
	"New Hampshire": "33", "New Jersey": "34", "New Mexico": "35",
	"New York": "36", "North Carolina": "37", "North Dakota": "38",
	"Ohio": "39", "Oklahoma": "40", "Oregon": "41", "Pennsylvania": "42",
	"Rhode Island": "44", "South Carolina": "45", "South Dakota": "46",
	"Tennessee": "47", "Texas": "48", "Utah": "49", "Vermont": "50",
	"Virginia": "51", "Washington": "53", "West Virginia": "54",
	"Wisconsin": "55", "Wyoming": "56",
}

// RegionCode resolves a state name to its census FIPS code. The match
// is case-insensitive.
func RegionCode(stateName string) (string, bool) {
	for name, code := range stateFIPS {
		if strings.EqualFold(name, stateName) {
			return code, true
		}
	}
	return "", false
}

// RosterClient reads county rosters from the census API.
type RosterClient struct {
	baseURL    string
	httpClient *http.Client
}

// RosterClientOption is a functional option for configuring a
// RosterClient.
type RosterClientOption func(*RosterClient)

// WithHTTPClient sets a custom *http.Client for the roster client.
func WithHTTPClient(hc *http.Client) RosterClientOption {
	return func(c *RosterClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewRosterClient creates a census API client. An empty baseURL
// selects the default endpoint.
func NewRosterClient(
	baseURL string,
	opts ...RosterClientOption,
) *RosterClient {
	if baseURL == "" {
		baseURL = DefaultRosterURL
	}
	c := &RosterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Counties fetches the county names for a region FIPS code. The census
// payload is a JSON array of rows whose first row is a header; each
// data row's first column carries a name like "Adair County, Kentucky"
// which is reduced to the bare county name.
func (c *RosterClient) Counties(
	ctx context.Context,
	regionCode string,
) ([]string, error) {
	query := url.Values{}
	query.Set("get", "NAME")
	query.Set("for", "county:*")
	query.Set("in", "state:"+regionCode)
	reqURL := c.baseURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating roster request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching county roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"census API returned status %d: %s",
			resp.StatusCode,
			strings.TrimSpace(string(body)),
		)
	}

	var rows [][]string
	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxRosterBytes))
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding county roster: %w", err)
	}
	var counties []string
	for i, row := range rows {
		// First row is the column header
		if i == 0 || len(row) == 0 {
			continue
		}
		if name := countyName(row[0]); name != "" {
			counties = append(counties, name)
		}
	}
	return counties, nil
}

// countyName reduces a census NAME value like "Adair County, Kentucky"
// to the bare county name. Virginia's independent cities keep their
// "city" suffix so they don't collide with same-named counties.
func countyName(name string) string {
	name, _, _ = strings.Cut(name, ",")
	name = strings.TrimSuffix(strings.TrimSpace(name), " County")
	return strings.TrimSpace(name)
}
